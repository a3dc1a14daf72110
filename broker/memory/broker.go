// Package memory is an in-process broker: topics are append-only logs and
// every consumer group keeps its own offset.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/cenkalti/backoff/v4"
)

// ErrOutage is reported for the records rejected during a simulated outage.
var ErrOutage = errors.New("simulated broker outage")

type group struct {
	offset int
}

type topic struct {
	messages []*broker.Message
	groups   map[string]*group
	signal   chan struct{} // closed and replaced on every append
}

// Broker is both an emitter.Emitter and a broker.Subscriber.
type Broker struct {
	mu         sync.Mutex
	topics     map[string]*topic
	outage     int
	duplicates bool
	retryMin   time.Duration
	retryMax   time.Duration
	logger     logger.Logger
}

var _ emitter.Emitter = (*Broker)(nil)
var _ broker.Subscriber = (*Broker)(nil)
var _ logger.Loggable = (*Broker)(nil)

// opt allows optional configuration.
type opt func(b *Broker)

// WithDuplicates makes every emitted record be delivered twice.
func WithDuplicates() opt {
	return func(b *Broker) {
		b.duplicates = true
	}
}

// WithRetryInterval bounds the wait before a failed message is handed to its
// handler again.
func WithRetryInterval(lo time.Duration, hi time.Duration) opt {
	return func(b *Broker) {
		if lo > 0 && hi >= lo {
			b.retryMin, b.retryMax = lo, hi
		}
	}
}

func New(options ...opt) *Broker {
	b := &Broker{
		topics:   map[string]*topic{},
		retryMin: 10 * time.Millisecond,
		retryMax: time.Second,
		logger:   &logger.NopLogger{},
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// SetLogger sets an optional logger.
func (b *Broker) SetLogger(l logger.Logger) {
	if l != nil {
		b.logger = l
	}
}

// Outage makes the next n emissions fail.
func (b *Broker) Outage(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outage = n
}

// Emit appends the record to its topic and acknowledges it.
func (b *Broker) Emit(o *repository.OutboxRecord, dc chan *emitter.DeliveryReport) error {
	b.mu.Lock()
	if b.outage > 0 {
		b.outage--
		b.mu.Unlock()
		dc <- &emitter.DeliveryReport{Record: o, Error: ErrOutage}
		return nil
	}

	name := outbox.TopicFor(o)
	t := b.topic(name)
	m := &broker.Message{
		ID:        o.Id.String(),
		Topic:     name,
		Key:       o.AggregateId,
		Type:      o.PayloadType,
		Payload:   append([]byte(nil), o.Payload...),
		CreatedAt: o.CreatedAt,
	}
	t.messages = append(t.messages, m)
	if b.duplicates {
		t.messages = append(t.messages, m)
	}
	close(t.signal)
	t.signal = make(chan struct{})
	b.mu.Unlock()

	dc <- &emitter.DeliveryReport{Record: o, Details: fmt.Sprintf("record '%s' appended to %s", o.Id, name)}
	return nil
}

// topic returns the named topic, creating it. Callers hold b.mu.
func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{groups: map[string]*group{}, signal: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Subscribe consumes topic from its first message on behalf of group. Members
// of one group take turns on the messages; a handler error makes the same
// member retry the message after a backoff.
func (b *Broker) Subscribe(ctx context.Context, topicName string, groupName string, h broker.Handler) error {
	if h == nil {
		return errors.New("handler is mandatory")
	}
	b.mu.Lock()
	t := b.topic(topicName)
	if _, ok := t.groups[groupName]; !ok {
		t.groups[groupName] = &group{}
	}
	b.mu.Unlock()

	go b.consume(ctx, topicName, groupName, h)
	return nil
}

func (b *Broker) consume(ctx context.Context, topicName string, groupName string, h broker.Handler) {
	for {
		m, signal := b.claim(topicName, groupName)
		if m == nil {
			select {
			case <-ctx.Done():
				return
			case <-signal:
			}
			continue
		}
		if !b.handle(ctx, m, groupName, h) {
			return
		}
	}
}

// claim takes the next message of the group, or returns the signal to wait
// on when there is none.
func (b *Broker) claim(topicName string, groupName string) (*broker.Message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[topicName]
	g := t.groups[groupName]
	if g.offset < len(t.messages) {
		m := t.messages[g.offset]
		g.offset++
		return m, nil
	}
	return nil, t.signal
}

// handle invokes h until it acknowledges m. It returns false when ctx is
// done first.
func (b *Broker) handle(ctx context.Context, m *broker.Message, groupName string, h broker.Handler) bool {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryMin
	eb.MaxInterval = b.retryMax
	eb.MaxElapsedTime = 0
	eb.Reset()

	for {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		wait := eb.NextBackOff()
		b.logger.Error(fmt.Sprintf("group %s failed on message '%s' from %s, retrying in %s", groupName, m.ID, m.Topic, wait), err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Messages returns the messages appended to topic so far.
func (b *Broker) Messages(topicName string) []*broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	return append([]*broker.Message(nil), t.messages...)
}
