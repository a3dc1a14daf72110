// Package delivery schedules the delivery of orders from the events of the
// order and kitchen services.
package delivery

import (
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
)

type State string

const (
	Pending   State = "PENDING"
	Scheduled State = "SCHEDULED"
	Cancelled State = "CANCELLED"
)

const (
	opSchedule = "Schedule"
	opCancel   = "Cancel"
)

var transitions = aggregate.Transitions[State]{
	opSchedule: {Pending: Scheduled},
	opCancel:   {Pending: Cancelled, Scheduled: Cancelled},
}

// Delivery brings an order from the restaurant to the consumer. Its id is
// the order id.
type Delivery struct {
	ID              string            `json:"id"`
	State           State             `json:"state"`
	RestaurantID    string            `json:"restaurantId"`
	PickupAddress   contracts.Address `json:"pickupAddress"`
	DeliveryAddress contracts.Address `json:"deliveryAddress"`
	DeliveryTime    time.Time         `json:"deliveryTime"`
	ReadyBy         *time.Time        `json:"readyBy,omitempty"`
	CourierID       string            `json:"courierId,omitempty"`
}

func (d *Delivery) AggregateID() string { return d.ID }
func (d *Delivery) StateName() string   { return string(d.State) }

// Create builds a pending delivery for a placed order.
func Create(e contracts.OrderCreatedEvent) (*Delivery, []aggregate.Event) {
	d := &Delivery{
		ID:              e.OrderID,
		State:           Pending,
		RestaurantID:    e.RestaurantID,
		PickupAddress:   e.RestaurantAddress,
		DeliveryAddress: e.Delivery.DeliveryAddress,
		DeliveryTime:    e.Delivery.DeliveryTime,
	}
	return d, []aggregate.Event{contracts.DeliveryEvent{Type: contracts.DeliveryCreated, DeliveryID: d.ID}}
}

// Schedule assigns a courier to pick the order up at readyBy.
func (d *Delivery) Schedule(readyBy time.Time, courierID string) ([]aggregate.Event, error) {
	next, err := transitions.Next(contracts.DeliveryAggregate, d.ID, opSchedule, d.State)
	if err != nil {
		return nil, err
	}
	d.State, d.ReadyBy, d.CourierID = next, &readyBy, courierID
	return []aggregate.Event{contracts.DeliveryEvent{
		Type:       contracts.DeliveryScheduled,
		DeliveryID: d.ID,
		CourierID:  courierID,
		ReadyBy:    d.ReadyBy,
	}}, nil
}

// Cancel releases the courier.
func (d *Delivery) Cancel() ([]aggregate.Event, error) {
	next, err := transitions.Next(contracts.DeliveryAggregate, d.ID, opCancel, d.State)
	if err != nil {
		return nil, err
	}
	d.State, d.CourierID = next, ""
	return []aggregate.Event{contracts.DeliveryEvent{Type: contracts.DeliveryCancelled, DeliveryID: d.ID}}, nil
}
