package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
)

// Service registers consumers and validates their orders.
type Service struct {
	tx        repository.Transactor
	consumers *aggregate.Repository[*Consumer]
	recorder  aggregate.Recorder
	logger    logger.Logger
}

var _ logger.Loggable = (*Service)(nil)

// NewService creates the consumer service.
func NewService(tx repository.Transactor, st aggregate.Store, r aggregate.Recorder) *Service {
	if tx == nil || st == nil || r == nil {
		panic("transactor, store and recorder are mandatory")
	}
	return &Service{
		tx:        tx,
		consumers: aggregate.NewRepository(st, contracts.ConsumerAggregate, func() *Consumer { return &Consumer{} }),
		recorder:  r,
		logger:    &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Service) SetLogger(l logger.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Create registers a consumer and publishes ConsumerCreated.
func (s *Service) Create(ctx context.Context, name PersonName, orderLimit contracts.Money) (*Consumer, error) {
	c, events := Create(uuid.NewString(), name, orderLimit)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.consumers.Create(ctx, c); err != nil {
			return err
		}
		return aggregate.Publish(ctx, s.recorder, contracts.ConsumerAggregate, c.ID, events...)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(fmt.Sprintf("consumer '%s' (%s) created", name, c.ID))
	return c, nil
}

// Find returns a consumer and the version it was read at.
func (s *Service) Find(ctx context.Context, id string) (*Consumer, int64, error) {
	return s.consumers.Load(ctx, id)
}

func (s *Service) Suspend(ctx context.Context, id string) error {
	return s.change(ctx, id, (*Consumer).Suspend)
}

func (s *Service) Reactivate(ctx context.Context, id string) error {
	return s.change(ctx, id, (*Consumer).Reactivate)
}

func (s *Service) change(ctx context.Context, id string, op func(c *Consumer) ([]aggregate.Event, error)) error {
	return aggregate.Retry(ctx, aggregate.DefaultAttempts, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			_, _, err := s.consumers.Update(ctx, id, op)
			return err
		})
	})
}

// Register adds the consumer command handlers to d.
func (s *Service) Register(d *participant.Dispatcher) {
	d.Handle(contracts.ValidateOrderByConsumer, s.validateOrder)
}

func (s *Service) validateOrder(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
	var c contracts.ValidateOrderCommand
	if err := cmd.Decode(&c); err != nil {
		return participant.Failure(err.Error()), nil
	}
	consumer, _, err := s.consumers.Load(ctx, c.ConsumerID)
	if err != nil {
		return participant.Reply{}, err
	}
	err = consumer.ValidateOrder(c.OrderTotal)
	if errors.Is(err, ErrOrderLimitExceeded) {
		return participant.Failure(err.Error()), nil
	}
	if err != nil {
		return participant.Reply{}, err
	}
	return participant.Success(nil), nil
}
