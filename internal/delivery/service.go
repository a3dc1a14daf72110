package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/repository"
)

// Group is the consumer group the delivery service reads events with.
const Group = "delivery-service"

// EventSubscriber consumes domain events.
type EventSubscriber interface {
	SubscribeEvents(ctx context.Context, topic string, group string, h broker.Handler) error
}

// Service keeps one delivery per order in step with the order and its
// ticket. Events may arrive more than once: every handler checks the
// delivery state before changing it.
type Service struct {
	tx         repository.Transactor
	deliveries *aggregate.Repository[*Delivery]
	recorder   aggregate.Recorder
	couriers   []string
	next       atomic.Uint64
	logger     logger.Logger
}

var _ logger.Loggable = (*Service)(nil)

// opt allows optional configuration.
type opt func(s *Service)

// WithCouriers sets the couriers deliveries are assigned to in turn.
func WithCouriers(ids ...string) opt {
	return func(s *Service) {
		if len(ids) > 0 {
			s.couriers = ids
		}
	}
}

// NewService creates the delivery service.
func NewService(tx repository.Transactor, st aggregate.Store, r aggregate.Recorder, options ...opt) *Service {
	if tx == nil || st == nil || r == nil {
		panic("transactor, store and recorder are mandatory")
	}
	s := &Service{
		tx:         tx,
		deliveries: aggregate.NewRepository(st, contracts.DeliveryAggregate, func() *Delivery { return &Delivery{} }),
		recorder:   r,
		couriers:   []string{"courier-1"},
		logger:     &logger.NopLogger{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// SetLogger sets an optional logger.
func (s *Service) SetLogger(l logger.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Find returns a delivery and the version it was read at.
func (s *Service) Find(ctx context.Context, id string) (*Delivery, int64, error) {
	return s.deliveries.Load(ctx, id)
}

// Start consumes order and ticket events until ctx is done.
func (s *Service) Start(ctx context.Context, es EventSubscriber) error {
	if err := es.SubscribeEvents(ctx, outbox.EventTopic(contracts.OrderAggregate), Group, s.HandleOrderEvent); err != nil {
		return err
	}
	return es.SubscribeEvents(ctx, outbox.EventTopic(contracts.TicketAggregate), Group, s.HandleTicketEvent)
}

// HandleOrderEvent creates the delivery of every placed order.
func (s *Service) HandleOrderEvent(ctx context.Context, m *broker.Message) error {
	if m.Type != contracts.OrderCreated {
		return nil
	}
	var e contracts.OrderCreatedEvent
	if !s.decode(m, &e) {
		return nil
	}
	d, events := Create(e)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.deliveries.Create(ctx, d); err != nil {
			return err
		}
		return aggregate.Publish(ctx, s.recorder, contracts.DeliveryAggregate, d.ID, events...)
	})
	if errors.Is(err, aggregate.ErrAlreadyExists) {
		return nil
	}
	return err
}

// HandleTicketEvent schedules deliveries of accepted tickets and cancels
// those of cancelled ones. A delivery not created yet makes the event fail
// so that it is delivered again later.
func (s *Service) HandleTicketEvent(ctx context.Context, m *broker.Message) error {
	var e contracts.TicketEvent
	switch m.Type {
	case contracts.TicketAccepted:
		if !s.decode(m, &e) || e.ReadyBy == nil {
			return nil
		}
		readyBy := *e.ReadyBy
		return s.change(ctx, e.TicketID, func(d *Delivery) ([]aggregate.Event, error) {
			if d.State != Pending {
				return nil, nil
			}
			return d.Schedule(readyBy, s.courier())
		})
	case contracts.TicketCancelled:
		if !s.decode(m, &e) {
			return nil
		}
		return s.change(ctx, e.TicketID, func(d *Delivery) ([]aggregate.Event, error) {
			if d.State == Cancelled {
				return nil, nil
			}
			return d.Cancel()
		})
	}
	return nil
}

func (s *Service) change(ctx context.Context, id string, op func(d *Delivery) ([]aggregate.Event, error)) error {
	return aggregate.Retry(ctx, aggregate.DefaultAttempts, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			_, events, err := s.deliveries.Update(ctx, id, op)
			if err != nil {
				return err
			}
			return aggregate.Publish(ctx, s.recorder, contracts.DeliveryAggregate, id, events...)
		})
	})
}

func (s *Service) decode(m *broker.Message, v any) bool {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		s.logger.Error(fmt.Sprintf("discarding undecodable %s '%s'", m.Type, m.ID), err)
		return false
	}
	return true
}

func (s *Service) courier() string {
	n := s.next.Add(1) - 1
	return s.couriers[n%uint64(len(s.couriers))]
}
