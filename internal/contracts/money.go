package contracts

import "fmt"

// Money is an amount in minor currency units (cents).
type Money int64

// Add returns m+o.
func (m Money) Add(o Money) Money {
	return m + o
}

// Multiply returns m*n.
func (m Money) Multiply(n int) Money {
	return m * Money(n)
}

// GreaterThan reports whether m > o.
func (m Money) GreaterThan(o Money) bool {
	return m > o
}

// LessThan reports whether m < o.
func (m Money) LessThan(o Money) bool {
	return m < o
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
