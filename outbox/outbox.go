package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/metrics"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
)

// ErrBrokerUnavailable is reported when a record could not be handed to the
// broker. The record stays unpublished and is retried.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Event contains high level information about a message produced by an
// aggregate and should be provided by the clients.
type Event struct {
	Type        string // the payload type (e.g "OrderCreated")
	Destination string // optional channel; defaults to the aggregate event topic
	Payload     []byte // serialized payload
}

// Outbox implements the transactional outbox: records are written within the
// business transaction and relayed to the broker by a background loop.
type Outbox struct {
	id         uuid.UUID
	settings   Settings
	logger     logger.Logger
	emitter    emitter.Emitter
	repository repository.Repository
	successCtr metrics.Counter
	errorCtr   metrics.Counter
	now        func() time.Time
	notify     chan struct{}
}

// opt allows optional configuration.
type opt func(o *Outbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOnSuccessCounter allows clients to configure an optional counter
// for observability.
func WithOnSuccessCounter(co metrics.Counter) opt {
	return func(o *Outbox) {
		if co != nil {
			o.successCtr = co
		}
	}
}

// WithOnErrorCounter allows clients to configure an optional counter
// for observability.
func WithOnErrorCounter(co metrics.Counter) opt {
	return func(o *Outbox) {
		if co != nil {
			o.errorCtr = co
		}
	}
}

// WithClock replaces the wall clock used to stamp records.
func WithClock(now func() time.Time) opt {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Outbox using the provided settings and options and the
// provided Repository and Emitter implementations. The relay does not run
// until Start is called.
func New(s Settings, r repository.Repository, e emitter.Emitter, options ...opt) *Outbox {
	if e == nil || r == nil {
		panic("you must provide an emitter and a repository")
	}

	validateSettings(&s)

	o := &Outbox{
		id:         uuid.New(),
		settings:   s,
		logger:     &logger.NopLogger{},
		emitter:    e,
		repository: r,
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
		now:        time.Now,
		notify:     make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(o)
	}

	logger.Propagate(o.logger, e, r)

	return o
}

// RecordForPublish stores the events produced by an aggregate so that they
// are relayed to the broker once the business transaction commits. It must
// be called with a context carrying that transaction.
func (o *Outbox) RecordForPublish(ctx context.Context, aggregateType string, aggregateId string, events ...Event) error {
	for _, e := range events {
		destination := e.Destination
		if destination == "" {
			destination = EventTopic(aggregateType)
		}
		err := o.repository.Save(ctx, &repository.OutboxRecord{
			Id:            uuid.New(),
			AggregateType: aggregateType,
			AggregateId:   aggregateId,
			PayloadType:   e.Type,
			Destination:   destination,
			Payload:       e.Payload,
			CreatedAt:     o.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("recording %s for %s '%s': %w", e.Type, aggregateType, aggregateId, err)
		}
	}
	return nil
}

// Notify wakes the relay up so that freshly committed records do not wait
// for the next polling tick. It never blocks.
func (o *Outbox) Notify() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// EventTopic builds the topic of the domain events of an aggregate type (e.g.
// if aggregateType="Order" then topic name is "order-events").
func EventTopic(aggregateType string) string {
	return fmt.Sprintf("%s-events", strcase.ToKebab(aggregateType))
}

// TopicFor returns the broker topic a record must be written to.
func TopicFor(o *repository.OutboxRecord) string {
	if o.Destination != "" {
		return o.Destination
	}
	return EventTopic(o.AggregateType)
}
