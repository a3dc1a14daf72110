package contracts

import "time"

// Domain event types, published on the event topic of the emitting
// aggregate type (e.g. "order-events").
const (
	OrderCreated          = "OrderCreated"
	OrderAuthorized       = "OrderAuthorized"
	OrderRejected         = "OrderRejected"
	OrderCancelled        = "OrderCancelled"
	OrderRevisionProposed = "OrderRevisionProposed"
	OrderRevised          = "OrderRevised"

	TicketCreated            = "TicketCreated"
	TicketAccepted           = "TicketAccepted"
	TicketPreparationStarted = "TicketPreparationStarted"
	TicketReadyForPickup     = "TicketReadyForPickup"
	TicketPickedUp           = "TicketPickedUp"
	TicketCancelled          = "TicketCancelled"
	TicketRevised            = "TicketRevised"

	ConsumerCreated = "ConsumerCreated"

	AccountAuthorized           = "AccountAuthorized"
	AccountAuthorizationRevoked = "AccountAuthorizationRevoked"

	RestaurantCreated = "RestaurantCreated"

	DeliveryCreated   = "DeliveryCreated"
	DeliveryScheduled = "DeliveryScheduled"
	DeliveryCancelled = "DeliveryCancelled"
)

// Aggregate types, which also name the event topics.
const (
	OrderAggregate      = "Order"
	TicketAggregate     = "Ticket"
	ConsumerAggregate   = "Consumer"
	AccountAggregate    = "Account"
	RestaurantAggregate = "Restaurant"
	DeliveryAggregate   = "Delivery"
)

// OrderLineItem is a priced line of an order.
type OrderLineItem struct {
	MenuItemID string `json:"menuItemId"`
	Name       string `json:"name"`
	Price      Money  `json:"price"`
	Quantity   int    `json:"quantity"`
}

// Total is the price of the line.
func (li OrderLineItem) Total() Money {
	return li.Price.Multiply(li.Quantity)
}

// OrderCreatedEvent is published when an order is placed.
type OrderCreatedEvent struct {
	OrderID           string              `json:"orderId"`
	ConsumerID        string              `json:"consumerId"`
	RestaurantID      string              `json:"restaurantId"`
	RestaurantName    string              `json:"restaurantName"`
	RestaurantAddress Address             `json:"restaurantAddress"`
	LineItems         []OrderLineItem     `json:"lineItems"`
	OrderTotal        Money               `json:"orderTotal"`
	Delivery          DeliveryInformation `json:"deliveryInformation"`
}

func (OrderCreatedEvent) EventType() string { return OrderCreated }

// OrderStateEvent is published on every order state change that carries no
// other data.
type OrderStateEvent struct {
	Type    string `json:"-"`
	OrderID string `json:"orderId"`
	State   string `json:"state"`
}

func (e OrderStateEvent) EventType() string { return e.Type }

// OrderRevisionProposedEvent is published when a revision starts.
type OrderRevisionProposedEvent struct {
	OrderID      string        `json:"orderId"`
	Revision     OrderRevision `json:"revision"`
	CurrentTotal Money         `json:"currentOrderTotal"`
	NewTotal     Money         `json:"newOrderTotal"`
}

func (OrderRevisionProposedEvent) EventType() string { return OrderRevisionProposed }

// OrderRevisedEvent is published when a revision is confirmed.
type OrderRevisedEvent struct {
	OrderID  string        `json:"orderId"`
	Revision OrderRevision `json:"revision"`
	NewTotal Money         `json:"newOrderTotal"`
}

func (OrderRevisedEvent) EventType() string { return OrderRevised }

// TicketEvent is published on ticket lifecycle changes. ReadyBy is only set
// by TicketAccepted.
type TicketEvent struct {
	Type         string           `json:"-"`
	TicketID     string           `json:"ticketId"`
	RestaurantID string           `json:"restaurantId"`
	LineItems    []TicketLineItem `json:"lineItems,omitempty"`
	ReadyBy      *time.Time       `json:"readyBy,omitempty"`
}

func (e TicketEvent) EventType() string { return e.Type }

// ConsumerCreatedEvent is published when a consumer registers.
type ConsumerCreatedEvent struct {
	ConsumerID string `json:"consumerId"`
	Name       string `json:"name"`
}

func (ConsumerCreatedEvent) EventType() string { return ConsumerCreated }

// AccountEvent is published when an authorization is granted or revoked.
type AccountEvent struct {
	Type      string `json:"-"`
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
	Amount    Money  `json:"amount"`
}

func (e AccountEvent) EventType() string { return e.Type }

// MenuItem is an item a restaurant sells.
type MenuItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price Money  `json:"price"`
}

// RestaurantCreatedEvent is published when a restaurant opens.
type RestaurantCreatedEvent struct {
	RestaurantID string     `json:"restaurantId"`
	Name         string     `json:"name"`
	Address      Address    `json:"address"`
	Menu         []MenuItem `json:"menu"`
}

func (RestaurantCreatedEvent) EventType() string { return RestaurantCreated }

// DeliveryEvent is published on delivery lifecycle changes.
type DeliveryEvent struct {
	Type       string     `json:"-"`
	DeliveryID string     `json:"deliveryId"`
	CourierID  string     `json:"courierId,omitempty"`
	ReadyBy    *time.Time `json:"readyBy,omitempty"`
}

func (e DeliveryEvent) EventType() string { return e.Type }
