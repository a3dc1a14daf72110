// Package order owns the Order aggregate, places orders by starting
// CreateOrderSaga and serves the order participant commands.
package order

import (
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/internal/restaurant"
)

type State string

const (
	ApprovalPending State = "APPROVAL_PENDING"
	Approved        State = "APPROVED"
	Rejected        State = "REJECTED"
	CancelPending   State = "CANCEL_PENDING"
	Cancelled       State = "CANCELLED"
	RevisionPending State = "REVISION_PENDING"
)

// Operations of the order state machine.
const (
	opNoteApproved      = "NoteApproved"
	opNoteRejected      = "NoteRejected"
	opCancel            = "Cancel"
	opUndoPendingCancel = "UndoPendingCancel"
	opNoteCancelled     = "NoteCancelled"
	opRevise            = "Revise"
	opRejectRevision    = "RejectRevision"
	opConfirmRevision   = "ConfirmRevision"
)

var transitions = aggregate.Transitions[State]{
	opNoteApproved:      {ApprovalPending: Approved},
	opNoteRejected:      {ApprovalPending: Rejected},
	opCancel:            {Approved: CancelPending},
	opUndoPendingCancel: {CancelPending: Approved},
	opNoteCancelled:     {CancelPending: Cancelled},
	opRevise:            {Approved: RevisionPending},
	opRejectRevision:    {RevisionPending: Approved},
	opConfirmRevision:   {RevisionPending: Approved},
}

var (
	// ErrOrderMinimumNotMet rejects a revision whose total falls below the
	// order minimum.
	ErrOrderMinimumNotMet = errors.New("order minimum not met")

	// ErrInvalidRevision rejects a revision referencing items the order
	// does not contain or asking for negative quantities.
	ErrInvalidRevision = errors.New("invalid revision")

	// ErrEmptyOrder rejects orders without line items.
	ErrEmptyOrder = errors.New("order without line items")

	// ErrInvalidQuantity rejects line items ordered zero or fewer times.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// MenuItemQuantity is what a consumer asks for.
type MenuItemQuantity struct {
	MenuItemID string `json:"menuItemId"`
	Quantity   int    `json:"quantity"`
}

// Order is placed by a consumer at a restaurant.
type Order struct {
	ID                  string                        `json:"id"`
	State               State                         `json:"state"`
	ConsumerID          string                        `json:"consumerId"`
	RestaurantID        string                        `json:"restaurantId"`
	LineItems           []contracts.OrderLineItem     `json:"lineItems"`
	DeliveryInformation contracts.DeliveryInformation `json:"deliveryInformation"`
	OrderMinimum        contracts.Money               `json:"orderMinimum"`
}

func (o *Order) AggregateID() string { return o.ID }
func (o *Order) StateName() string   { return string(o.State) }

// Create builds an order in APPROVAL_PENDING pricing the requested items
// with the restaurant menu.
func Create(id string, consumerID string, r *restaurant.Restaurant, di contracts.DeliveryInformation, items []MenuItemQuantity, minimum contracts.Money) (*Order, []aggregate.Event, error) {
	if len(items) == 0 {
		return nil, nil, ErrEmptyOrder
	}
	lineItems := make([]contracts.OrderLineItem, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: %d of '%s'", ErrInvalidQuantity, it.Quantity, it.MenuItemID)
		}
		mi, err := r.FindMenuItem(it.MenuItemID)
		if err != nil {
			return nil, nil, err
		}
		lineItems = append(lineItems, contracts.OrderLineItem{
			MenuItemID: mi.ID,
			Name:       mi.Name,
			Price:      mi.Price,
			Quantity:   it.Quantity,
		})
	}

	o := &Order{
		ID:                  id,
		State:               ApprovalPending,
		ConsumerID:          consumerID,
		RestaurantID:        r.ID,
		LineItems:           lineItems,
		DeliveryInformation: di,
		OrderMinimum:        minimum,
	}
	return o, []aggregate.Event{contracts.OrderCreatedEvent{
		OrderID:           o.ID,
		ConsumerID:        o.ConsumerID,
		RestaurantID:      r.ID,
		RestaurantName:    r.Name,
		RestaurantAddress: r.Address,
		LineItems:         o.LineItems,
		OrderTotal:        o.Total(),
		Delivery:          di,
	}}, nil
}

// Total is the sum of the line item totals.
func (o *Order) Total() contracts.Money {
	var t contracts.Money
	for _, li := range o.LineItems {
		t = t.Add(li.Total())
	}
	return t
}

// TicketLineItems is the kitchen view of the order lines.
func (o *Order) TicketLineItems() []contracts.TicketLineItem {
	res := make([]contracts.TicketLineItem, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		res = append(res, contracts.TicketLineItem{MenuItemID: li.MenuItemID, Name: li.Name, Quantity: li.Quantity})
	}
	return res
}

// CanApply reports whether op is accepted in the current state.
func (o *Order) CanApply(op string) bool {
	return transitions.Allowed(op, o.State)
}

func (o *Order) transition(op string) error {
	next, err := transitions.Next(contracts.OrderAggregate, o.ID, op, o.State)
	if err != nil {
		return err
	}
	o.State = next
	return nil
}

func (o *Order) stateEvent(eventType string) []aggregate.Event {
	return []aggregate.Event{contracts.OrderStateEvent{Type: eventType, OrderID: o.ID, State: string(o.State)}}
}

func (o *Order) NoteApproved() ([]aggregate.Event, error) {
	if err := o.transition(opNoteApproved); err != nil {
		return nil, err
	}
	return o.stateEvent(contracts.OrderAuthorized), nil
}

func (o *Order) NoteRejected() ([]aggregate.Event, error) {
	if err := o.transition(opNoteRejected); err != nil {
		return nil, err
	}
	return o.stateEvent(contracts.OrderRejected), nil
}

func (o *Order) Cancel() ([]aggregate.Event, error) {
	return nil, o.transition(opCancel)
}

func (o *Order) UndoPendingCancel() ([]aggregate.Event, error) {
	return nil, o.transition(opUndoPendingCancel)
}

func (o *Order) NoteCancelled() ([]aggregate.Event, error) {
	if err := o.transition(opNoteCancelled); err != nil {
		return nil, err
	}
	return o.stateEvent(contracts.OrderCancelled), nil
}

// Revise moves the order to REVISION_PENDING and returns the total the
// order will have once the revision is confirmed. Nothing changes when the
// revision is rejected.
func (o *Order) Revise(rev contracts.OrderRevision) (contracts.Money, []aggregate.Event, error) {
	if !o.CanApply(opRevise) {
		_, err := transitions.Next(contracts.OrderAggregate, o.ID, opRevise, o.State)
		return 0, nil, err
	}
	newTotal, err := o.revisedTotal(rev)
	if err != nil {
		return 0, nil, err
	}
	if newTotal.LessThan(o.OrderMinimum) {
		return 0, nil, fmt.Errorf("%w: %s < %s", ErrOrderMinimumNotMet, newTotal, o.OrderMinimum)
	}

	current := o.Total()
	if err := o.transition(opRevise); err != nil {
		return 0, nil, err
	}
	return newTotal, []aggregate.Event{contracts.OrderRevisionProposedEvent{
		OrderID:      o.ID,
		Revision:     rev,
		CurrentTotal: current,
		NewTotal:     newTotal,
	}}, nil
}

func (o *Order) RejectRevision() ([]aggregate.Event, error) {
	return nil, o.transition(opRejectRevision)
}

// ConfirmRevision applies the revised quantities and delivery information.
func (o *Order) ConfirmRevision(rev contracts.OrderRevision) ([]aggregate.Event, error) {
	if !o.CanApply(opConfirmRevision) {
		_, err := transitions.Next(contracts.OrderAggregate, o.ID, opConfirmRevision, o.State)
		return nil, err
	}
	if _, err := o.revisedTotal(rev); err != nil {
		return nil, err
	}

	for i := range o.LineItems {
		if q, ok := rev.RevisedLineItemQuantities[o.LineItems[i].MenuItemID]; ok {
			o.LineItems[i].Quantity = q
		}
	}
	if rev.DeliveryInformation != nil {
		o.DeliveryInformation = *rev.DeliveryInformation
	}
	if err := o.transition(opConfirmRevision); err != nil {
		return nil, err
	}
	return []aggregate.Event{contracts.OrderRevisedEvent{
		OrderID:  o.ID,
		Revision: rev,
		NewTotal: o.Total(),
	}}, nil
}

func (o *Order) revisedTotal(rev contracts.OrderRevision) (contracts.Money, error) {
	known := make(map[string]bool, len(o.LineItems))
	var total contracts.Money
	for _, li := range o.LineItems {
		known[li.MenuItemID] = true
		q := li.Quantity
		if rq, ok := rev.RevisedLineItemQuantities[li.MenuItemID]; ok {
			q = rq
		}
		total = total.Add(li.Price.Multiply(q))
	}
	for id, q := range rev.RevisedLineItemQuantities {
		if !known[id] {
			return 0, fmt.Errorf("%w: order '%s' has no item '%s'", ErrInvalidRevision, o.ID, id)
		}
		if q < 0 {
			return 0, fmt.Errorf("%w: quantity %d of '%s'", ErrInvalidRevision, q, id)
		}
	}
	return total, nil
}
