// Package kitchen owns the tickets restaurants prepare orders from.
package kitchen

import (
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
)

type State string

const (
	CreatePending      State = "CREATE_PENDING"
	AwaitingAcceptance State = "AWAITING_ACCEPTANCE"
	Accepted           State = "ACCEPTED"
	Preparing          State = "PREPARING"
	ReadyForPickup     State = "READY_FOR_PICKUP"
	PickedUp           State = "PICKED_UP"
	CancelPending      State = "CANCEL_PENDING"
	Cancelled          State = "CANCELLED"
	RevisionPending    State = "REVISION_PENDING"
)

const (
	opConfirmCreate   = "ConfirmCreate"
	opCancelCreate    = "CancelCreate"
	opAccept          = "Accept"
	opPreparing       = "Preparing"
	opReadyForPickup  = "ReadyForPickup"
	opPickedUp        = "PickedUp"
	opBeginCancel     = "BeginCancel"
	opUndoBeginCancel = "UndoBeginCancel"
	opConfirmCancel   = "ConfirmCancel"
	opBeginRevise     = "BeginRevise"
	opUndoBeginRevise = "UndoBeginRevise"
	opConfirmRevise   = "ConfirmRevise"
)

// Undo and confirm operations of pending transitions lead back to the state
// saved when they began; the table only lists their source state.
var transitions = aggregate.Transitions[State]{
	opConfirmCreate:   {CreatePending: AwaitingAcceptance},
	opCancelCreate:    {CreatePending: Cancelled},
	opAccept:          {AwaitingAcceptance: Accepted},
	opPreparing:       {Accepted: Preparing},
	opReadyForPickup:  {Preparing: ReadyForPickup},
	opPickedUp:        {ReadyForPickup: PickedUp},
	opBeginCancel:     {AwaitingAcceptance: CancelPending, Accepted: CancelPending},
	opUndoBeginCancel: {CancelPending: CancelPending},
	opConfirmCancel:   {CancelPending: Cancelled},
	opBeginRevise:     {AwaitingAcceptance: RevisionPending, Accepted: RevisionPending},
	opUndoBeginRevise: {RevisionPending: RevisionPending},
	opConfirmRevise:   {RevisionPending: RevisionPending},
}

// ErrUnknownLineItem rejects revisions of items the ticket does not have.
var ErrUnknownLineItem = errors.New("unknown line item")

// Ticket is the kitchen view of an order. Its id is the order id.
type Ticket struct {
	ID            string                     `json:"id"`
	State         State                      `json:"state"`
	PreviousState State                      `json:"previousState,omitempty"`
	RestaurantID  string                     `json:"restaurantId"`
	LineItems     []contracts.TicketLineItem `json:"lineItems"`
	Revision      map[string]int             `json:"revision,omitempty"`
	ReadyBy       *time.Time                 `json:"readyBy,omitempty"`
	AcceptTime    *time.Time                 `json:"acceptTime,omitempty"`
	PreparingTime *time.Time                 `json:"preparingTime,omitempty"`
	ReadyTime     *time.Time                 `json:"readyTime,omitempty"`
	PickedUpTime  *time.Time                 `json:"pickedUpTime,omitempty"`
}

func (t *Ticket) AggregateID() string { return t.ID }
func (t *Ticket) StateName() string   { return string(t.State) }

// Create builds a ticket in CREATE_PENDING.
func Create(restaurantID string, orderID string, items []contracts.TicketLineItem) (*Ticket, []aggregate.Event) {
	t := &Ticket{
		ID:           orderID,
		State:        CreatePending,
		RestaurantID: restaurantID,
		LineItems:    items,
	}
	return t, []aggregate.Event{t.event(contracts.TicketCreated)}
}

func (t *Ticket) event(eventType string) contracts.TicketEvent {
	return contracts.TicketEvent{
		Type:         eventType,
		TicketID:     t.ID,
		RestaurantID: t.RestaurantID,
		LineItems:    t.LineItems,
		ReadyBy:      t.ReadyBy,
	}
}

func (t *Ticket) transition(op string) error {
	next, err := transitions.Next(contracts.TicketAggregate, t.ID, op, t.State)
	if err != nil {
		return err
	}
	t.State = next
	return nil
}

// begin enters a pending state remembering where it came from.
func (t *Ticket) begin(op string) error {
	prev := t.State
	if err := t.transition(op); err != nil {
		return err
	}
	t.PreviousState = prev
	return nil
}

// restore leaves a pending state back to where it came from.
func (t *Ticket) restore(op string) error {
	if err := t.transition(op); err != nil {
		return err
	}
	t.State, t.PreviousState = t.PreviousState, ""
	return nil
}

func (t *Ticket) ConfirmCreate() ([]aggregate.Event, error) {
	return nil, t.transition(opConfirmCreate)
}

func (t *Ticket) CancelCreate() ([]aggregate.Event, error) {
	return nil, t.transition(opCancelCreate)
}

// Accept commits the kitchen to have the order ready by readyBy.
func (t *Ticket) Accept(now time.Time, readyBy time.Time) ([]aggregate.Event, error) {
	if err := t.transition(opAccept); err != nil {
		return nil, err
	}
	t.AcceptTime, t.ReadyBy = &now, &readyBy
	return []aggregate.Event{t.event(contracts.TicketAccepted)}, nil
}

func (t *Ticket) Preparing(now time.Time) ([]aggregate.Event, error) {
	if err := t.transition(opPreparing); err != nil {
		return nil, err
	}
	t.PreparingTime = &now
	return []aggregate.Event{t.event(contracts.TicketPreparationStarted)}, nil
}

func (t *Ticket) ReadyForPickup(now time.Time) ([]aggregate.Event, error) {
	if err := t.transition(opReadyForPickup); err != nil {
		return nil, err
	}
	t.ReadyTime = &now
	return []aggregate.Event{t.event(contracts.TicketReadyForPickup)}, nil
}

func (t *Ticket) PickedUp(now time.Time) ([]aggregate.Event, error) {
	if err := t.transition(opPickedUp); err != nil {
		return nil, err
	}
	t.PickedUpTime = &now
	return []aggregate.Event{t.event(contracts.TicketPickedUp)}, nil
}

func (t *Ticket) BeginCancel() ([]aggregate.Event, error) {
	return nil, t.begin(opBeginCancel)
}

func (t *Ticket) UndoBeginCancel() ([]aggregate.Event, error) {
	return nil, t.restore(opUndoBeginCancel)
}

func (t *Ticket) ConfirmCancel() ([]aggregate.Event, error) {
	if err := t.transition(opConfirmCancel); err != nil {
		return nil, err
	}
	t.PreviousState = ""
	return []aggregate.Event{t.event(contracts.TicketCancelled)}, nil
}

// BeginRevise keeps the revised quantities until the revision is
// confirmed.
func (t *Ticket) BeginRevise(quantities map[string]int) ([]aggregate.Event, error) {
	if !transitions.Allowed(opBeginRevise, t.State) {
		return nil, t.begin(opBeginRevise)
	}
	for id := range quantities {
		if !t.has(id) {
			return nil, fmt.Errorf("%w '%s' in ticket '%s'", ErrUnknownLineItem, id, t.ID)
		}
	}
	if err := t.begin(opBeginRevise); err != nil {
		return nil, err
	}
	t.Revision = quantities
	return nil, nil
}

func (t *Ticket) UndoBeginRevise() ([]aggregate.Event, error) {
	if err := t.restore(opUndoBeginRevise); err != nil {
		return nil, err
	}
	t.Revision = nil
	return nil, nil
}

// ConfirmRevise applies the revised quantities and leaves REVISION_PENDING.
func (t *Ticket) ConfirmRevise() ([]aggregate.Event, error) {
	if err := t.restore(opConfirmRevise); err != nil {
		return nil, err
	}
	for i := range t.LineItems {
		if q, ok := t.Revision[t.LineItems[i].MenuItemID]; ok {
			t.LineItems[i].Quantity = q
		}
	}
	t.Revision = nil
	return []aggregate.Event{t.event(contracts.TicketRevised)}, nil
}

func (t *Ticket) has(menuItemID string) bool {
	for _, li := range t.LineItems {
		if li.MenuItemID == menuItemID {
			return true
		}
	}
	return false
}
