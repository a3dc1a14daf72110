// Package sagas defines the sagas the order service orchestrates.
package sagas

import (
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/saga"
)

const (
	CreateOrderSaga = "CreateOrderSaga"
	CancelOrderSaga = "CancelOrderSaga"
	ReviseOrderSaga = "ReviseOrderSaga"
)

// CreateOrderData accumulates along CreateOrderSaga.
type CreateOrderData struct {
	OrderID      string                     `json:"orderId"`
	ConsumerID   string                     `json:"consumerId"`
	RestaurantID string                     `json:"restaurantId"`
	LineItems    []contracts.TicketLineItem `json:"lineItems"`
	OrderTotal   contracts.Money            `json:"orderTotal"`
	TicketID     string                     `json:"ticketId,omitempty"`
}

// CancelOrderData is the data of CancelOrderSaga.
type CancelOrderData struct {
	OrderID      string          `json:"orderId"`
	ConsumerID   string          `json:"consumerId"`
	RestaurantID string          `json:"restaurantId"`
	OrderTotal   contracts.Money `json:"orderTotal"`
}

// ReviseOrderData accumulates along ReviseOrderSaga.
type ReviseOrderData struct {
	OrderID           string                  `json:"orderId"`
	ConsumerID        string                  `json:"consumerId"`
	RestaurantID      string                  `json:"restaurantId"`
	Revision          contracts.OrderRevision `json:"revision"`
	RevisedOrderTotal contracts.Money         `json:"revisedOrderTotal"`
}

// CreateOrder places an order: the consumer validates it, the kitchen opens
// a ticket, accounting authorizes the total, then ticket and order are
// confirmed. Step 0 is local: the order already exists in APPROVAL_PENDING
// when the saga starts and is only rejected on the way back.
func CreateOrder() *saga.Definition[CreateOrderData] {
	return &saga.Definition[CreateOrderData]{
		Type: CreateOrderSaga,
		Steps: []saga.Step[CreateOrderData]{
			{
				Participant:         contracts.OrderService,
				Compensation:        contracts.RejectOrder,
				CompensationPayload: func(d *CreateOrderData) any { return contracts.OrderCommand{OrderID: d.OrderID} },
			},
			{
				Participant: contracts.ConsumerService,
				Action:      contracts.ValidateOrderByConsumer,
				ActionPayload: func(d *CreateOrderData) any {
					return contracts.ValidateOrderCommand{ConsumerID: d.ConsumerID, OrderID: d.OrderID, OrderTotal: d.OrderTotal}
				},
			},
			{
				Participant: contracts.KitchenService,
				Action:      contracts.CreateTicket,
				ActionPayload: func(d *CreateOrderData) any {
					return contracts.CreateTicketCommand{RestaurantID: d.RestaurantID, OrderID: d.OrderID, LineItems: d.LineItems}
				},
				Compensation:        contracts.CancelCreateTicket,
				CompensationPayload: ticketOf(func(d *CreateOrderData) (string, string) { return d.RestaurantID, d.OrderID }),
				OnSuccess: func(d *CreateOrderData, reply *channel.Message) error {
					var r contracts.CreateTicketReply
					if err := reply.Decode(&r); err != nil {
						return err
					}
					d.TicketID = r.TicketID
					return nil
				},
			},
			{
				Participant: contracts.AccountingService,
				Action:      contracts.AuthorizeCard,
				ActionPayload: func(d *CreateOrderData) any {
					return contracts.AuthorizeCommand{ConsumerID: d.ConsumerID, OrderID: d.OrderID, OrderTotal: d.OrderTotal}
				},
			},
			{
				Participant:   contracts.KitchenService,
				Action:        contracts.ConfirmCreateTicket,
				ActionPayload: ticketOf(func(d *CreateOrderData) (string, string) { return d.RestaurantID, d.OrderID }),
			},
			{
				Participant:   contracts.OrderService,
				Action:        contracts.ApproveOrder,
				ActionPayload: func(d *CreateOrderData) any { return contracts.OrderCommand{OrderID: d.OrderID} },
			},
		},
	}
}

// CancelOrder cancels an approved order.
func CancelOrder() *saga.Definition[CancelOrderData] {
	order := func(d *CancelOrderData) any { return contracts.OrderCommand{OrderID: d.OrderID} }
	ticket := ticketOf(func(d *CancelOrderData) (string, string) { return d.RestaurantID, d.OrderID })

	return &saga.Definition[CancelOrderData]{
		Type: CancelOrderSaga,
		Steps: []saga.Step[CancelOrderData]{
			{
				Participant:         contracts.OrderService,
				Action:              contracts.BeginCancel,
				ActionPayload:       order,
				Compensation:        contracts.UndoBeginCancel,
				CompensationPayload: order,
			},
			{
				Participant:         contracts.KitchenService,
				Action:              contracts.BeginCancelTicket,
				ActionPayload:       ticket,
				Compensation:        contracts.UndoBeginCancelTicket,
				CompensationPayload: ticket,
			},
			{
				Participant: contracts.AccountingService,
				Action:      contracts.ReverseAuthorization,
				ActionPayload: func(d *CancelOrderData) any {
					return contracts.ReverseAuthorizationCommand{ConsumerID: d.ConsumerID, OrderID: d.OrderID}
				},
			},
			{
				Participant:   contracts.KitchenService,
				Action:        contracts.ConfirmCancelTicket,
				ActionPayload: ticket,
			},
			{
				Participant:   contracts.OrderService,
				Action:        contracts.ConfirmCancelOrder,
				ActionPayload: order,
			},
		},
	}
}

// ReviseOrder changes the quantities or delivery of an approved order.
func ReviseOrder() *saga.Definition[ReviseOrderData] {
	revise := func(d *ReviseOrderData) any {
		return contracts.ReviseOrderCommand{OrderID: d.OrderID, Revision: d.Revision}
	}
	ticket := ticketOf(func(d *ReviseOrderData) (string, string) { return d.RestaurantID, d.OrderID })

	return &saga.Definition[ReviseOrderData]{
		Type: ReviseOrderSaga,
		Steps: []saga.Step[ReviseOrderData]{
			{
				Participant:         contracts.OrderService,
				Action:              contracts.BeginReviseOrder,
				ActionPayload:       revise,
				Compensation:        contracts.UndoBeginReviseOrder,
				CompensationPayload: func(d *ReviseOrderData) any { return contracts.OrderCommand{OrderID: d.OrderID} },
				OnSuccess: func(d *ReviseOrderData, reply *channel.Message) error {
					var r contracts.BeginReviseOrderReply
					if err := reply.Decode(&r); err != nil {
						return err
					}
					d.RevisedOrderTotal = r.RevisedOrderTotal
					return nil
				},
			},
			{
				Participant: contracts.KitchenService,
				Action:      contracts.BeginReviseTicket,
				ActionPayload: func(d *ReviseOrderData) any {
					return contracts.BeginReviseTicketCommand{
						RestaurantID:              d.RestaurantID,
						OrderID:                   d.OrderID,
						RevisedLineItemQuantities: d.Revision.RevisedLineItemQuantities,
					}
				},
				Compensation:        contracts.UndoBeginReviseTicket,
				CompensationPayload: ticket,
			},
			{
				Participant: contracts.AccountingService,
				Action:      contracts.ReviseAuthorization,
				ActionPayload: func(d *ReviseOrderData) any {
					return contracts.AuthorizeCommand{ConsumerID: d.ConsumerID, OrderID: d.OrderID, OrderTotal: d.RevisedOrderTotal}
				},
			},
			{
				Participant:   contracts.KitchenService,
				Action:        contracts.ConfirmReviseTicket,
				ActionPayload: ticket,
			},
			{
				Participant:   contracts.OrderService,
				Action:        contracts.ConfirmReviseOrder,
				ActionPayload: revise,
			},
		},
	}
}

// All returns every saga the order service orchestrates.
func All() []saga.Saga {
	return []saga.Saga{CreateOrder(), CancelOrder(), ReviseOrder()}
}

func ticketOf[D any](ids func(d *D) (string, string)) func(d *D) any {
	return func(d *D) any {
		restaurantID, orderID := ids(d)
		return contracts.TicketCommand{RestaurantID: restaurantID, OrderID: orderID}
	}
}
