package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/google/uuid"
)

// Recorder writes messages to the outbox of the current transaction.
type Recorder interface {
	RecordForPublish(ctx context.Context, aggregateType string, aggregateId string, events ...outbox.Event) error
}

// Handler processes a decoded command or reply.
type Handler func(ctx context.Context, m *Message) error

// Channel is the point to point messaging built on the outbox for sending and
// on a broker subscriber for receiving.
type Channel struct {
	recorder   Recorder
	subscriber broker.Subscriber
	logger     logger.Logger
}

var _ logger.Loggable = (*Channel)(nil)

// New creates a Channel. Both collaborators are mandatory.
func New(r Recorder, s broker.Subscriber) *Channel {
	if r == nil || s == nil {
		panic("recorder and subscriber are mandatory")
	}
	return &Channel{
		recorder:   r,
		subscriber: s,
		logger:     &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (c *Channel) SetLogger(l logger.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Send records a command addressed to its destination. It must run inside
// the transaction that changes the saga state so that the command is never
// lost once that transaction commits. Commands of one saga share the saga id
// as ordering key.
func (c *Channel) Send(ctx context.Context, cmd *Message) error {
	if cmd.Destination == "" {
		return errors.New("command without destination")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.Kind = KindCommand
	return c.record(ctx, cmd.SagaType, cmd.SagaID, cmd)
}

// Reply records the answer to cmd on the reply channel the command carries.
func (c *Channel) Reply(ctx context.Context, cmd *Message, outcome Outcome, reason string, payload any) (*Message, error) {
	if cmd.ReplyChannel == "" {
		return nil, fmt.Errorf("command %s '%s' has no reply channel", cmd.Type, cmd.ID)
	}
	p, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding reply to %s: %w", cmd.Type, err)
	}
	reply := &Message{
		ID:           uuid.NewString(),
		Kind:         KindReply,
		Type:         cmd.Type + "Reply",
		CommandID:    cmd.ID,
		SagaID:       cmd.SagaID,
		SagaType:     cmd.SagaType,
		StepIndex:    cmd.StepIndex,
		Compensating: cmd.Compensating,
		Destination:  cmd.ReplyChannel,
		Outcome:      outcome,
		Reason:       reason,
		Payload:      p,
	}
	return reply, c.record(ctx, cmd.SagaType, cmd.SagaID, reply)
}

// Resend records an already built message again.
func (c *Channel) Resend(ctx context.Context, m *Message) error {
	return c.record(ctx, m.SagaType, m.SagaID, m)
}

func (c *Channel) record(ctx context.Context, aggregateType string, aggregateId string, m *Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", m.Kind, m.Type, err)
	}
	return c.recorder.RecordForPublish(ctx, aggregateType, aggregateId, outbox.Event{
		Type:        m.Type,
		Destination: m.Destination,
		Payload:     b,
	})
}

// Subscribe consumes the messages of channelName on behalf of group. Messages
// that cannot be decoded are logged and acknowledged since no redelivery
// would ever fix them.
func (c *Channel) Subscribe(ctx context.Context, channelName string, group string, h Handler) error {
	return c.subscriber.Subscribe(ctx, channelName, group, func(ctx context.Context, bm *broker.Message) error {
		var m Message
		if err := json.Unmarshal(bm.Payload, &m); err != nil {
			c.logger.Error(fmt.Sprintf("discarding undecodable message '%s' from %s", bm.ID, channelName), err)
			return nil
		}
		return h(ctx, &m)
	})
}

// SubscribeEvents consumes raw domain events from topic.
func (c *Channel) SubscribeEvents(ctx context.Context, topic string, group string, h broker.Handler) error {
	return c.subscriber.Subscribe(ctx, topic, group, h)
}
