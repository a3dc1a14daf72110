// Package accounting authorizes order totals against consumer accounts.
package accounting

import (
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
)

type State string

const (
	Active   State = "ACTIVE"
	Disabled State = "DISABLED"
)

const (
	opAuthorize = "Authorize"
	opReverse   = "ReverseAuthorization"
	opRevise    = "ReviseAuthorization"
	opDisable   = "Disable"
	opEnable    = "Enable"
)

// Reversals are accepted while disabled so that cancellations never get
// stuck on an account.
var transitions = aggregate.Transitions[State]{
	opAuthorize: {Active: Active},
	opReverse:   {Active: Active, Disabled: Disabled},
	opRevise:    {Active: Active},
	opDisable:   {Active: Disabled},
	opEnable:    {Disabled: Active},
}

// ErrInsufficientFunds rejects authorizations exceeding the credit left.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Account is the credit line of a consumer. Its id is the consumer id.
type Account struct {
	ID             string                     `json:"id"`
	State          State                      `json:"state"`
	CreditLimit    contracts.Money            `json:"creditLimit"`
	Authorizations map[string]contracts.Money `json:"authorizations"`
}

func (a *Account) AggregateID() string { return a.ID }
func (a *Account) StateName() string   { return string(a.State) }

// Open builds an active account.
func Open(consumerID string, limit contracts.Money) *Account {
	return &Account{
		ID:             consumerID,
		State:          Active,
		CreditLimit:    limit,
		Authorizations: map[string]contracts.Money{},
	}
}

// Authorized is the sum of the outstanding authorizations.
func (a *Account) Authorized() contracts.Money {
	var t contracts.Money
	for _, m := range a.Authorizations {
		t = t.Add(m)
	}
	return t
}

func (a *Account) check(op string) error {
	_, err := transitions.Next(contracts.AccountAggregate, a.ID, op, a.State)
	return err
}

func (a *Account) reserve(op string, orderID string, amount contracts.Money) ([]aggregate.Event, error) {
	if err := a.check(op); err != nil {
		return nil, err
	}
	if a.Authorizations == nil {
		a.Authorizations = map[string]contracts.Money{}
	}
	others := a.Authorized() - a.Authorizations[orderID]
	if others.Add(amount).GreaterThan(a.CreditLimit) {
		return nil, fmt.Errorf("%w: account '%s' cannot authorize %s for order '%s'", ErrInsufficientFunds, a.ID, amount, orderID)
	}
	a.Authorizations[orderID] = amount
	return []aggregate.Event{contracts.AccountEvent{
		Type:      contracts.AccountAuthorized,
		AccountID: a.ID,
		OrderID:   orderID,
		Amount:    amount,
	}}, nil
}

// Authorize reserves amount for an order.
func (a *Account) Authorize(orderID string, amount contracts.Money) ([]aggregate.Event, error) {
	return a.reserve(opAuthorize, orderID, amount)
}

// ReviseAuthorization replaces the amount reserved for an order.
func (a *Account) ReviseAuthorization(orderID string, amount contracts.Money) ([]aggregate.Event, error) {
	return a.reserve(opRevise, orderID, amount)
}

// ReverseAuthorization releases what was reserved for an order. Releasing
// an unknown order is a no-op.
func (a *Account) ReverseAuthorization(orderID string) ([]aggregate.Event, error) {
	if err := a.check(opReverse); err != nil {
		return nil, err
	}
	amount, ok := a.Authorizations[orderID]
	if !ok {
		return nil, nil
	}
	delete(a.Authorizations, orderID)
	return []aggregate.Event{contracts.AccountEvent{
		Type:      contracts.AccountAuthorizationRevoked,
		AccountID: a.ID,
		OrderID:   orderID,
		Amount:    amount,
	}}, nil
}

func (a *Account) Disable() ([]aggregate.Event, error) {
	if err := a.check(opDisable); err != nil {
		return nil, err
	}
	a.State = Disabled
	return nil, nil
}

func (a *Account) Enable() ([]aggregate.Event, error) {
	if err := a.check(opEnable); err != nil {
		return nil, err
	}
	a.State = Active
	return nil, nil
}
