package broker

import (
	"context"
	"time"
)

const (
	// Header names carried by every brokered message.
	HeaderID        = "id"
	HeaderType      = "type"
	HeaderCreatedAt = "createdAt"
)

// Message is a record received from a broker topic.
type Message struct {
	ID        string // outbox record id, stable across redeliveries
	Topic     string
	Key       string // aggregate id the record was produced for
	Type      string // payload type
	Payload   []byte
	CreatedAt time.Time
}

// Handler processes a message. Returning nil acknowledges it; any error makes
// the broker deliver the same message again later.
type Handler func(ctx context.Context, m *Message) error

// Subscriber delivers messages of a topic to a handler at least once. Members
// of the same group share the messages of the topic; different groups each
// receive all of them.
type Subscriber interface {
	// Subscribe starts consuming topic in background until ctx is done.
	Subscribe(ctx context.Context, topic string, group string, h Handler) error
}
