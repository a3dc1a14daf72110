// Package app wires the saga engine, the outbox relay and the FTGO services
// on top of one storage backend and one broker.
package app

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/internal/accounting"
	"github.com/3rs4lg4d0/gosaga/internal/consumer"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/internal/delivery"
	"github.com/3rs4lg4d0/gosaga/internal/kitchen"
	"github.com/3rs4lg4d0/gosaga/internal/order"
	"github.com/3rs4lg4d0/gosaga/internal/restaurant"
	"github.com/3rs4lg4d0/gosaga/internal/sagas"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/metrics"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/3rs4lg4d0/gosaga/saga"
)

// Storage groups the stores of one backend. Every store must join the
// transactions Tx opens.
type Storage struct {
	Tx         repository.Transactor
	Outbox     repository.Repository
	Aggregates aggregate.Store
	Instances  saga.InstanceStore
	Processed  participant.ProcessedStore
}

// Broker is the emitting and the consuming side of a message broker.
type Broker struct {
	Emitter    emitter.Emitter
	Subscriber broker.Subscriber
}

// Metrics holds the optional counters of the process.
type Metrics struct {
	Relayed           metrics.Counter
	RelayFailed       metrics.Counter
	SagasCompleted    metrics.Counter
	SagasFailed       metrics.Counter
	CommandsSucceeded metrics.Counter
	CommandsRejected  metrics.Counter
}

// Options configures the application.
type Options struct {
	Outbox       outbox.Settings
	Saga         saga.Settings
	OrderMinimum contracts.Money
	CreditLimit  contracts.Money // of the accounts opened for new consumers
	Couriers     []string
	Logger       logger.Logger
	Metrics      Metrics
}

// App is the whole FTGO system in one process.
type App struct {
	Outbox      *outbox.Outbox
	Channel     *channel.Channel
	Engine      *saga.Engine
	Orders      *order.Service
	Consumers   *consumer.Service
	Kitchen     *kitchen.Service
	Accounting  *accounting.Service
	Deliveries  *delivery.Service
	Restaurants *restaurant.Service

	dispatchers []*participant.Dispatcher
	logger      logger.Logger
}

// New wires the application. Nothing runs until Run is called.
func New(s Storage, b Broker, o Options) (*App, error) {
	l := o.Logger
	if l == nil {
		l = &logger.NopLogger{}
	}
	m := o.Metrics

	ob := outbox.New(o.Outbox, s.Outbox, b.Emitter,
		outbox.WithLogger(l),
		outbox.WithOnSuccessCounter(m.Relayed),
		outbox.WithOnErrorCounter(m.RelayFailed))
	if cn, ok := s.Tx.(repository.CommitNotifier); ok {
		cn.OnCommit(ob.Notify)
	}

	ch := channel.New(ob, b.Subscriber)
	engine := saga.NewEngine(o.Saga, s.Instances, s.Tx, ch,
		saga.WithLogger(l),
		saga.WithOnSuccessCounter(m.SagasCompleted),
		saga.WithOnErrorCounter(m.SagasFailed))
	for _, sg := range sagas.All() {
		if err := engine.Register(sg); err != nil {
			return nil, err
		}
	}

	restaurants := restaurant.NewService(s.Tx, s.Aggregates, ob)
	a := &App{
		Outbox:      ob,
		Channel:     ch,
		Engine:      engine,
		Restaurants: restaurants,
		Orders:      order.NewService(s.Tx, s.Aggregates, ob, restaurants, engine, order.WithOrderMinimum(o.OrderMinimum)),
		Consumers:   consumer.NewService(s.Tx, s.Aggregates, ob),
		Kitchen:     kitchen.NewService(s.Tx, s.Aggregates, ob),
		Accounting:  accounting.NewService(s.Tx, s.Aggregates, ob, accounting.WithDefaultCreditLimit(o.CreditLimit)),
		Deliveries:  delivery.NewService(s.Tx, s.Aggregates, ob, delivery.WithCouriers(o.Couriers...)),
		logger:      l,
	}

	for _, p := range []struct {
		name     string
		register func(d *participant.Dispatcher)
	}{
		{contracts.OrderService, a.Orders.Register},
		{contracts.ConsumerService, a.Consumers.Register},
		{contracts.KitchenService, a.Kitchen.Register},
		{contracts.AccountingService, a.Accounting.Register},
	} {
		d := participant.NewDispatcher(p.name, ch, s.Tx, s.Processed,
			participant.WithLogger(l),
			participant.WithConflictRetries(o.Saga.ConflictRetries),
			participant.WithOnSuccessCounter(m.CommandsSucceeded),
			participant.WithOnErrorCounter(m.CommandsRejected))
		p.register(d)
		a.dispatchers = append(a.dispatchers, d)
	}

	logger.Propagate(l, s.Tx, s.Outbox, b.Emitter, b.Subscriber, ch,
		a.Restaurants, a.Orders, a.Consumers, a.Kitchen, a.Accounting, a.Deliveries)
	return a, nil
}

// Run starts the relay, the participants, the event subscribers and the
// orchestrator, and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Outbox.Start(ctx)
	for _, d := range a.dispatchers {
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("starting participant %s: %w", d.Channel(), err)
		}
	}
	if err := a.Accounting.Start(ctx, a.Channel); err != nil {
		return fmt.Errorf("starting accounting subscriber: %w", err)
	}
	if err := a.Deliveries.Start(ctx, a.Channel); err != nil {
		return fmt.Errorf("starting delivery subscriber: %w", err)
	}
	a.logger.Info("gosaga is running")
	return a.Engine.Run(ctx)
}
