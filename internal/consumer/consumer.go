// Package consumer keeps the consumers placing orders and validates the
// orders they place.
package consumer

import (
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
)

type State string

const (
	Active    State = "ACTIVE"
	Suspended State = "SUSPENDED"
)

const (
	opValidateOrder = "ValidateOrder"
	opSuspend       = "Suspend"
	opReactivate    = "Reactivate"
)

var transitions = aggregate.Transitions[State]{
	opValidateOrder: {Active: Active},
	opSuspend:       {Active: Suspended},
	opReactivate:    {Suspended: Active},
}

// ErrOrderLimitExceeded rejects orders above the consumer per-order limit.
var ErrOrderLimitExceeded = errors.New("order limit exceeded")

// PersonName is the name of a consumer.
type PersonName struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

func (n PersonName) String() string {
	return n.First + " " + n.Last
}

// Consumer places orders. A zero OrderLimit means no limit.
type Consumer struct {
	ID         string          `json:"id"`
	State      State           `json:"state"`
	Name       PersonName      `json:"name"`
	OrderLimit contracts.Money `json:"orderLimit"`
}

func (c *Consumer) AggregateID() string { return c.ID }
func (c *Consumer) StateName() string   { return string(c.State) }

// Create builds an active consumer.
func Create(id string, name PersonName, limit contracts.Money) (*Consumer, []aggregate.Event) {
	c := &Consumer{ID: id, State: Active, Name: name, OrderLimit: limit}
	return c, []aggregate.Event{contracts.ConsumerCreatedEvent{ConsumerID: id, Name: name.String()}}
}

// ValidateOrder checks that the consumer may place an order of total. It
// never changes the consumer.
func (c *Consumer) ValidateOrder(total contracts.Money) error {
	if _, err := transitions.Next(contracts.ConsumerAggregate, c.ID, opValidateOrder, c.State); err != nil {
		return err
	}
	if c.OrderLimit > 0 && total.GreaterThan(c.OrderLimit) {
		return fmt.Errorf("%w: consumer '%s' cannot order %s", ErrOrderLimitExceeded, c.ID, total)
	}
	return nil
}

func (c *Consumer) Suspend() ([]aggregate.Event, error) {
	next, err := transitions.Next(contracts.ConsumerAggregate, c.ID, opSuspend, c.State)
	if err != nil {
		return nil, err
	}
	c.State = next
	return nil, nil
}

func (c *Consumer) Reactivate() ([]aggregate.Event, error) {
	next, err := transitions.Next(contracts.ConsumerAggregate, c.ID, opReactivate, c.State)
	if err != nil {
		return nil, err
	}
	c.State = next
	return nil, nil
}
