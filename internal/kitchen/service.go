package kitchen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/repository"
)

// Service serves the kitchen participant commands and the operations the
// restaurant staff performs on tickets.
type Service struct {
	tx       repository.Transactor
	tickets  *aggregate.Repository[*Ticket]
	recorder aggregate.Recorder
	logger   logger.Logger
	attempts int
	now      func() time.Time
}

var _ logger.Loggable = (*Service)(nil)

// opt allows optional configuration.
type opt func(s *Service)

// WithClock replaces the wall clock stamped on tickets.
func WithClock(now func() time.Time) opt {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the kitchen service.
func NewService(tx repository.Transactor, st aggregate.Store, r aggregate.Recorder, options ...opt) *Service {
	if tx == nil || st == nil || r == nil {
		panic("transactor, store and recorder are mandatory")
	}
	s := &Service{
		tx:       tx,
		tickets:  aggregate.NewRepository(st, contracts.TicketAggregate, func() *Ticket { return &Ticket{} }),
		recorder: r,
		logger:   &logger.NopLogger{},
		attempts: aggregate.DefaultAttempts,
		now:      time.Now,
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

// Find returns a ticket and the version it was read at.
func (s *Service) Find(ctx context.Context, ticketID string) (*Ticket, int64, error) {
	return s.tickets.Load(ctx, ticketID)
}

// Accept commits the restaurant to have the ticket ready by readyBy.
func (s *Service) Accept(ctx context.Context, ticketID string, readyBy time.Time) error {
	return s.staff(ctx, ticketID, func(t *Ticket) ([]aggregate.Event, error) {
		return t.Accept(s.now().UTC(), readyBy)
	})
}

func (s *Service) Preparing(ctx context.Context, ticketID string) error {
	return s.staff(ctx, ticketID, func(t *Ticket) ([]aggregate.Event, error) {
		return t.Preparing(s.now().UTC())
	})
}

func (s *Service) ReadyForPickup(ctx context.Context, ticketID string) error {
	return s.staff(ctx, ticketID, func(t *Ticket) ([]aggregate.Event, error) {
		return t.ReadyForPickup(s.now().UTC())
	})
}

func (s *Service) PickedUp(ctx context.Context, ticketID string) error {
	return s.staff(ctx, ticketID, func(t *Ticket) ([]aggregate.Event, error) {
		return t.PickedUp(s.now().UTC())
	})
}

// staff applies an operation outside any saga, retrying lost races.
func (s *Service) staff(ctx context.Context, ticketID string, op func(t *Ticket) ([]aggregate.Event, error)) error {
	return aggregate.Retry(ctx, s.attempts, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			return s.update(ctx, ticketID, op)
		})
	})
}

// Register adds the kitchen command handlers to d.
func (s *Service) Register(d *participant.Dispatcher) {
	d.Handle(contracts.CreateTicket, s.createTicket).
		Handle(contracts.ConfirmCreateTicket, s.simple((*Ticket).ConfirmCreate)).
		Handle(contracts.CancelCreateTicket, s.simple((*Ticket).CancelCreate)).
		Handle(contracts.BeginCancelTicket, s.simple((*Ticket).BeginCancel)).
		Handle(contracts.UndoBeginCancelTicket, s.simple((*Ticket).UndoBeginCancel)).
		Handle(contracts.ConfirmCancelTicket, s.simple((*Ticket).ConfirmCancel)).
		Handle(contracts.BeginReviseTicket, s.beginReviseTicket).
		Handle(contracts.UndoBeginReviseTicket, s.simple((*Ticket).UndoBeginRevise)).
		Handle(contracts.ConfirmReviseTicket, s.simple((*Ticket).ConfirmRevise))
}

func (s *Service) createTicket(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
	var c contracts.CreateTicketCommand
	if err := cmd.Decode(&c); err != nil {
		return participant.Failure(err.Error()), nil
	}
	t, events := Create(c.RestaurantID, c.OrderID, c.LineItems)
	err := s.tickets.Create(ctx, t)
	if errors.Is(err, aggregate.ErrAlreadyExists) {
		return participant.Failure(fmt.Sprintf("ticket '%s' already exists", t.ID)), nil
	}
	if err != nil {
		return participant.Reply{}, err
	}
	if err := aggregate.Publish(ctx, s.recorder, contracts.TicketAggregate, t.ID, events...); err != nil {
		return participant.Reply{}, err
	}
	return participant.Success(contracts.CreateTicketReply{TicketID: t.ID}), nil
}

func (s *Service) beginReviseTicket(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
	var c contracts.BeginReviseTicketCommand
	if err := cmd.Decode(&c); err != nil {
		return participant.Failure(err.Error()), nil
	}
	err := s.update(ctx, c.OrderID, func(t *Ticket) ([]aggregate.Event, error) {
		return t.BeginRevise(c.RevisedLineItemQuantities)
	})
	if errors.Is(err, ErrUnknownLineItem) {
		return participant.Failure(err.Error()), nil
	}
	if err != nil {
		return participant.Reply{}, err
	}
	return participant.Success(nil), nil
}

func (s *Service) simple(op func(t *Ticket) ([]aggregate.Event, error)) participant.Handler {
	return func(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
		var c contracts.TicketCommand
		if err := cmd.Decode(&c); err != nil {
			return participant.Failure(err.Error()), nil
		}
		if err := s.update(ctx, c.OrderID, op); err != nil {
			return participant.Reply{}, err
		}
		return participant.Success(nil), nil
	}
}

func (s *Service) update(ctx context.Context, ticketID string, op func(t *Ticket) ([]aggregate.Event, error)) error {
	_, events, err := s.tickets.Update(ctx, ticketID, op)
	if err != nil {
		return err
	}
	return aggregate.Publish(ctx, s.recorder, contracts.TicketAggregate, ticketID, events...)
}
