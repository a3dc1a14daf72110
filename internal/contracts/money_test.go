package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoney(t *testing.T) {
	testcases := []struct {
		name string
		m    Money
		want string
	}{
		{"zero", 0, "0.00"},
		{"cents", 5, "0.05"},
		{"units", 1234, "12.34"},
		{"negative", -250, "-2.50"},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.m.String())
		})
	}

	assert.Equal(t, Money(3702), Money(1234).Multiply(3))
	assert.Equal(t, Money(1534), Money(1234).Add(300))
	assert.True(t, Money(2).GreaterThan(1))
	assert.True(t, Money(1).LessThan(2))
	assert.Equal(t, Money(600), OrderLineItem{Price: 300, Quantity: 2}.Total())
}
