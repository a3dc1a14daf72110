package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/repository"
)

// DefaultCreditLimit is granted to the accounts opened for new consumers.
const DefaultCreditLimit contracts.Money = 100000

// EventSubscriber consumes domain events.
type EventSubscriber interface {
	SubscribeEvents(ctx context.Context, topic string, group string, h broker.Handler) error
}

// Service serves the accounting participant commands and opens an account
// for every consumer created.
type Service struct {
	tx       repository.Transactor
	accounts *aggregate.Repository[*Account]
	recorder aggregate.Recorder
	limit    contracts.Money
	logger   logger.Logger
}

var _ logger.Loggable = (*Service)(nil)

// opt allows optional configuration.
type opt func(s *Service)

// WithDefaultCreditLimit changes the credit limit of accounts opened from
// consumer events.
func WithDefaultCreditLimit(m contracts.Money) opt {
	return func(s *Service) {
		if m > 0 {
			s.limit = m
		}
	}
}

// NewService creates the accounting service.
func NewService(tx repository.Transactor, st aggregate.Store, r aggregate.Recorder, options ...opt) *Service {
	if tx == nil || st == nil || r == nil {
		panic("transactor, store and recorder are mandatory")
	}
	s := &Service{
		tx:       tx,
		accounts: aggregate.NewRepository(st, contracts.AccountAggregate, func() *Account { return &Account{} }),
		recorder: r,
		limit:    DefaultCreditLimit,
		logger:   &logger.NopLogger{},
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

// Open creates the account of a consumer. Opening it again is a no-op.
func (s *Service) Open(ctx context.Context, consumerID string, limit contracts.Money) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.accounts.Create(ctx, Open(consumerID, limit))
	})
	if errors.Is(err, aggregate.ErrAlreadyExists) {
		s.logger.Debug(fmt.Sprintf("account '%s' already open", consumerID))
		return nil
	}
	return err
}

// Find returns an account and the version it was read at.
func (s *Service) Find(ctx context.Context, consumerID string) (*Account, int64, error) {
	return s.accounts.Load(ctx, consumerID)
}

func (s *Service) Disable(ctx context.Context, consumerID string) error {
	return s.change(ctx, consumerID, (*Account).Disable)
}

func (s *Service) Enable(ctx context.Context, consumerID string) error {
	return s.change(ctx, consumerID, (*Account).Enable)
}

func (s *Service) change(ctx context.Context, consumerID string, op func(a *Account) ([]aggregate.Event, error)) error {
	return aggregate.Retry(ctx, aggregate.DefaultAttempts, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			return s.update(ctx, consumerID, op)
		})
	})
}

// Start opens an account for every ConsumerCreated event until ctx is done.
func (s *Service) Start(ctx context.Context, es EventSubscriber) error {
	return es.SubscribeEvents(ctx, outbox.EventTopic(contracts.ConsumerAggregate), channel.CommandChannel(contracts.AccountingService), s.HandleConsumerEvent)
}

// HandleConsumerEvent opens the account of a created consumer.
func (s *Service) HandleConsumerEvent(ctx context.Context, m *broker.Message) error {
	if m.Type != contracts.ConsumerCreated {
		return nil
	}
	var e contracts.ConsumerCreatedEvent
	if err := json.Unmarshal(m.Payload, &e); err != nil {
		s.logger.Error(fmt.Sprintf("discarding undecodable %s '%s'", m.Type, m.ID), err)
		return nil
	}
	return s.Open(ctx, e.ConsumerID, s.limit)
}

// Register adds the accounting command handlers to d.
func (s *Service) Register(d *participant.Dispatcher) {
	d.Handle(contracts.AuthorizeCard, s.authorize(func(a *Account, c contracts.AuthorizeCommand) ([]aggregate.Event, error) {
		return a.Authorize(c.OrderID, c.OrderTotal)
	})).
		Handle(contracts.ReviseAuthorization, s.authorize(func(a *Account, c contracts.AuthorizeCommand) ([]aggregate.Event, error) {
			return a.ReviseAuthorization(c.OrderID, c.OrderTotal)
		})).
		Handle(contracts.ReverseAuthorization, s.reverse)
}

func (s *Service) authorize(op func(a *Account, c contracts.AuthorizeCommand) ([]aggregate.Event, error)) participant.Handler {
	return func(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
		var c contracts.AuthorizeCommand
		if err := cmd.Decode(&c); err != nil {
			return participant.Failure(err.Error()), nil
		}
		err := s.update(ctx, c.ConsumerID, func(a *Account) ([]aggregate.Event, error) {
			return op(a, c)
		})
		if errors.Is(err, ErrInsufficientFunds) {
			return participant.Failure(err.Error()), nil
		}
		if err != nil {
			return participant.Reply{}, err
		}
		return participant.Success(nil), nil
	}
}

func (s *Service) reverse(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
	var c contracts.ReverseAuthorizationCommand
	if err := cmd.Decode(&c); err != nil {
		return participant.Failure(err.Error()), nil
	}
	err := s.update(ctx, c.ConsumerID, func(a *Account) ([]aggregate.Event, error) {
		return a.ReverseAuthorization(c.OrderID)
	})
	if err != nil {
		return participant.Reply{}, err
	}
	return participant.Success(nil), nil
}

func (s *Service) update(ctx context.Context, consumerID string, op func(a *Account) ([]aggregate.Event, error)) error {
	_, events, err := s.accounts.Update(ctx, consumerID, op)
	if err != nil {
		return err
	}
	return aggregate.Publish(ctx, s.recorder, contracts.AccountAggregate, consumerID, events...)
}
