// Package contracts holds the closed set of commands, replies and events the
// services exchange, together with the value objects they carry.
package contracts

import "time"

// Participant types. Each one consumes its commands from the channel named
// after it (see channel.CommandChannel).
const (
	OrderService      = "Order"
	ConsumerService   = "Consumer"
	KitchenService    = "Kitchen"
	AccountingService = "Accounting"
)

// Order service commands.
const (
	RejectOrder          = "RejectOrder"
	ApproveOrder         = "ApproveOrder"
	BeginCancel          = "BeginCancel"
	UndoBeginCancel      = "UndoBeginCancel"
	ConfirmCancelOrder   = "ConfirmCancelOrder"
	BeginReviseOrder     = "BeginReviseOrder"
	UndoBeginReviseOrder = "UndoBeginReviseOrder"
	ConfirmReviseOrder   = "ConfirmReviseOrder"
)

// Consumer service commands.
const (
	ValidateOrderByConsumer = "ValidateOrderByConsumer"
)

// Kitchen service commands.
const (
	CreateTicket          = "CreateTicket"
	ConfirmCreateTicket   = "ConfirmCreateTicket"
	CancelCreateTicket    = "CancelCreateTicket"
	BeginCancelTicket     = "BeginCancelTicket"
	UndoBeginCancelTicket = "UndoBeginCancelTicket"
	ConfirmCancelTicket   = "ConfirmCancelTicket"
	BeginReviseTicket     = "BeginReviseTicket"
	UndoBeginReviseTicket = "UndoBeginReviseTicket"
	ConfirmReviseTicket   = "ConfirmReviseTicket"
)

// Accounting service commands.
const (
	AuthorizeCard        = "AuthorizeCard"
	ReverseAuthorization = "ReverseAuthorization"
	ReviseAuthorization  = "ReviseAuthorization"
)

// Address is a postal address.
type Address struct {
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
}

// DeliveryInformation tells where and when an order must be delivered.
type DeliveryInformation struct {
	DeliveryTime    time.Time `json:"deliveryTime"`
	DeliveryAddress Address   `json:"deliveryAddress"`
}

// OrderRevision is a change of an approved order: new quantities per menu
// item and optionally new delivery information.
type OrderRevision struct {
	DeliveryInformation       *DeliveryInformation `json:"deliveryInformation,omitempty"`
	RevisedLineItemQuantities map[string]int       `json:"revisedLineItemQuantities"`
}

// OrderCommand addresses an order by id.
type OrderCommand struct {
	OrderID string `json:"orderId"`
}

// ReviseOrderCommand carries the revision an order must apply.
type ReviseOrderCommand struct {
	OrderID  string        `json:"orderId"`
	Revision OrderRevision `json:"revision"`
}

// BeginReviseOrderReply reports the order total after the revision.
type BeginReviseOrderReply struct {
	RevisedOrderTotal Money `json:"revisedOrderTotal"`
}

// ValidateOrderCommand asks the consumer service to validate an order.
type ValidateOrderCommand struct {
	ConsumerID string `json:"consumerId"`
	OrderID    string `json:"orderId"`
	OrderTotal Money  `json:"orderTotal"`
}

// TicketLineItem is a line of a kitchen ticket.
type TicketLineItem struct {
	MenuItemID string `json:"menuItemId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
}

// CreateTicketCommand asks the kitchen to create a ticket for an order.
type CreateTicketCommand struct {
	RestaurantID string           `json:"restaurantId"`
	OrderID      string           `json:"orderId"`
	LineItems    []TicketLineItem `json:"lineItems"`
}

// CreateTicketReply carries the id of the created ticket.
type CreateTicketReply struct {
	TicketID string `json:"ticketId"`
}

// TicketCommand addresses the ticket of an order.
type TicketCommand struct {
	RestaurantID string `json:"restaurantId"`
	OrderID      string `json:"orderId"`
}

// BeginReviseTicketCommand carries the revised quantities of a ticket.
type BeginReviseTicketCommand struct {
	RestaurantID              string         `json:"restaurantId"`
	OrderID                   string         `json:"orderId"`
	RevisedLineItemQuantities map[string]int `json:"revisedLineItemQuantities"`
}

// AuthorizeCommand asks accounting to authorize (or revise the
// authorization of) an order total against a consumer account.
type AuthorizeCommand struct {
	ConsumerID string `json:"consumerId"`
	OrderID    string `json:"orderId"`
	OrderTotal Money  `json:"orderTotal"`
}

// ReverseAuthorizationCommand releases the authorization of an order.
type ReverseAuthorizationCommand struct {
	ConsumerID string `json:"consumerId"`
	OrderID    string `json:"orderId"`
}
