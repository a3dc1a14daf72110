package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/internal/restaurant"
	"github.com/3rs4lg4d0/gosaga/internal/sagas"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
)

// RestaurantFinder returns the restaurants orders are placed at.
type RestaurantFinder interface {
	Find(ctx context.Context, id string) (*restaurant.Restaurant, error)
}

// SagaStarter starts sagas joining the transaction carried by ctx.
type SagaStarter interface {
	Start(ctx context.Context, sagaType string, data any) (string, error)
}

// Service places, cancels and revises orders, and serves the order
// participant commands.
type Service struct {
	tx          repository.Transactor
	orders      *aggregate.Repository[*Order]
	restaurants RestaurantFinder
	recorder    aggregate.Recorder
	sagas       SagaStarter
	minimum     contracts.Money
	logger      logger.Logger
}

var _ logger.Loggable = (*Service)(nil)

// opt allows optional configuration.
type opt func(s *Service)

// WithOrderMinimum rejects revisions whose total falls below m.
func WithOrderMinimum(m contracts.Money) opt {
	return func(s *Service) {
		s.minimum = m
	}
}

// NewService creates the order service.
func NewService(tx repository.Transactor, st aggregate.Store, r aggregate.Recorder, rf RestaurantFinder, ss SagaStarter, options ...opt) *Service {
	if tx == nil || st == nil || r == nil || rf == nil || ss == nil {
		panic("transactor, store, recorder, restaurant finder and saga starter are mandatory")
	}
	s := &Service{
		tx:          tx,
		orders:      aggregate.NewRepository(st, contracts.OrderAggregate, func() *Order { return &Order{} }),
		restaurants: rf,
		recorder:    r,
		sagas:       ss,
		logger:      &logger.NopLogger{},
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

// CreateOrder places an order in APPROVAL_PENDING and starts
// CreateOrderSaga in the same local transaction.
func (s *Service) CreateOrder(ctx context.Context, consumerID string, restaurantID string, di contracts.DeliveryInformation, items []MenuItemQuantity) (*Order, string, error) {
	r, err := s.restaurants.Find(ctx, restaurantID)
	if err != nil {
		return nil, "", err
	}
	o, events, err := Create(uuid.NewString(), consumerID, r, di, items, s.minimum)
	if err != nil {
		return nil, "", err
	}

	var sagaID string
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, o); err != nil {
			return err
		}
		if err := aggregate.Publish(ctx, s.recorder, contracts.OrderAggregate, o.ID, events...); err != nil {
			return err
		}
		sagaID, err = s.sagas.Start(ctx, sagas.CreateOrderSaga, sagas.CreateOrderData{
			OrderID:      o.ID,
			ConsumerID:   o.ConsumerID,
			RestaurantID: o.RestaurantID,
			LineItems:    o.TicketLineItems(),
			OrderTotal:   o.Total(),
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	s.logger.Info(fmt.Sprintf("order '%s' placed, saga '%s' started", o.ID, sagaID))
	return o, sagaID, nil
}

// CancelOrder starts CancelOrderSaga for an approved order.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (string, error) {
	return s.startFor(ctx, orderID, opCancel, sagas.CancelOrderSaga, func(o *Order) any {
		return sagas.CancelOrderData{
			OrderID:      o.ID,
			ConsumerID:   o.ConsumerID,
			RestaurantID: o.RestaurantID,
			OrderTotal:   o.Total(),
		}
	})
}

// ReviseOrder starts ReviseOrderSaga for an approved order.
func (s *Service) ReviseOrder(ctx context.Context, orderID string, rev contracts.OrderRevision) (string, error) {
	return s.startFor(ctx, orderID, opRevise, sagas.ReviseOrderSaga, func(o *Order) any {
		return sagas.ReviseOrderData{
			OrderID:      o.ID,
			ConsumerID:   o.ConsumerID,
			RestaurantID: o.RestaurantID,
			Revision:     rev,
		}
	})
}

// startFor starts a saga on an order that currently accepts op. The saga
// itself applies op, this only spares a saga that would fail at its first
// step.
func (s *Service) startFor(ctx context.Context, orderID string, op string, sagaType string, data func(o *Order) any) (string, error) {
	var sagaID string
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, _, err := s.orders.Load(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := transitions.Next(contracts.OrderAggregate, o.ID, op, o.State); err != nil {
			return err
		}
		sagaID, err = s.sagas.Start(ctx, sagaType, data(o))
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Info(fmt.Sprintf("%s '%s' started for order '%s'", sagaType, sagaID, orderID))
	return sagaID, nil
}

// Find returns an order and the version it was read at.
func (s *Service) Find(ctx context.Context, orderID string) (*Order, int64, error) {
	return s.orders.Load(ctx, orderID)
}

// Register adds the order command handlers to d.
func (s *Service) Register(d *participant.Dispatcher) {
	d.Handle(contracts.RejectOrder, s.simple((*Order).NoteRejected)).
		Handle(contracts.ApproveOrder, s.simple((*Order).NoteApproved)).
		Handle(contracts.BeginCancel, s.simple((*Order).Cancel)).
		Handle(contracts.UndoBeginCancel, s.simple((*Order).UndoPendingCancel)).
		Handle(contracts.ConfirmCancelOrder, s.simple((*Order).NoteCancelled)).
		Handle(contracts.BeginReviseOrder, s.beginRevise).
		Handle(contracts.UndoBeginReviseOrder, s.simple((*Order).RejectRevision)).
		Handle(contracts.ConfirmReviseOrder, s.confirmRevise)
}

func (s *Service) simple(op func(o *Order) ([]aggregate.Event, error)) participant.Handler {
	return func(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
		var c contracts.OrderCommand
		if err := cmd.Decode(&c); err != nil {
			return participant.Failure(err.Error()), nil
		}
		if err := s.update(ctx, c.OrderID, op); err != nil {
			return participant.Reply{}, err
		}
		return participant.Success(nil), nil
	}
}

func (s *Service) beginRevise(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
	var c contracts.ReviseOrderCommand
	if err := cmd.Decode(&c); err != nil {
		return participant.Failure(err.Error()), nil
	}
	var total contracts.Money
	err := s.update(ctx, c.OrderID, func(o *Order) ([]aggregate.Event, error) {
		t, events, err := o.Revise(c.Revision)
		total = t
		return events, err
	})
	if rejected(err) {
		return participant.Failure(err.Error()), nil
	}
	if err != nil {
		return participant.Reply{}, err
	}
	return participant.Success(contracts.BeginReviseOrderReply{RevisedOrderTotal: total}), nil
}

func (s *Service) confirmRevise(ctx context.Context, cmd *channel.Message) (participant.Reply, error) {
	var c contracts.ReviseOrderCommand
	if err := cmd.Decode(&c); err != nil {
		return participant.Failure(err.Error()), nil
	}
	err := s.update(ctx, c.OrderID, func(o *Order) ([]aggregate.Event, error) {
		return o.ConfirmRevision(c.Revision)
	})
	if rejected(err) {
		return participant.Failure(err.Error()), nil
	}
	if err != nil {
		return participant.Reply{}, err
	}
	return participant.Success(nil), nil
}

func (s *Service) update(ctx context.Context, orderID string, op func(o *Order) ([]aggregate.Event, error)) error {
	_, events, err := s.orders.Update(ctx, orderID, op)
	if err != nil {
		return err
	}
	return aggregate.Publish(ctx, s.recorder, contracts.OrderAggregate, orderID, events...)
}

func rejected(err error) bool {
	return errors.Is(err, ErrOrderMinimumNotMet) || errors.Is(err, ErrInvalidRevision)
}
