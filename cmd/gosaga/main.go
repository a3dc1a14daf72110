package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/gosaga/internal/app"
	"github.com/3rs4lg4d0/gosaga/internal/config"
	"github.com/3rs4lg4d0/gosaga/internal/consumer"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/internal/order"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/saga"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gosaga: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	l, err := GetLogger(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := GetStorage(ctx, c)
	if err != nil {
		return err
	}
	defer closeStorage()

	b, closeBroker, err := GetBroker(ctx, c, l)
	if err != nil {
		return err
	}
	defer closeBroker()

	m, handler, closeMetrics, err := GetMetrics(c)
	if err != nil {
		return err
	}
	defer closeMetrics()
	if handler != nil {
		srv := &http.Server{Addr: c.MetricsAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Error("the metrics server stopped", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	a, err := app.New(storage, b, app.Options{
		Outbox: outbox.Settings{
			MaxDispatchers:  c.MaxDispatchers,
			PollingInterval: c.PollingInterval,
		},
		Saga: saga.Settings{
			ReplyTimeout:  c.ReplyTimeout,
			MaxAttempts:   c.MaxAttempts,
			SweepInterval: c.SweepInterval,
		},
		OrderMinimum: contracts.Money(c.OrderMinimum),
		Logger:       l,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	if c.Demo {
		go demo(ctx, a, l)
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.Info("gosaga stopped")
	return nil
}

// demo opens a restaurant and a consumer and places one order.
func demo(ctx context.Context, a *app.App, l logger.Logger) {
	r, err := a.Restaurants.Create(ctx, "Ajanta", contracts.Address{Street1: "1 Kitchen Rd", City: "Oakland", State: "CA", Zip: "94612"},
		[]contracts.MenuItem{
			{ID: "chicken-vindaloo", Name: "Chicken Vindaloo", Price: 1234},
			{ID: "garlic-naan", Name: "Garlic Naan", Price: 350},
		})
	if err != nil {
		l.Error("could not create the demo restaurant", err)
		return
	}
	cs, err := a.Consumers.Create(ctx, consumer.PersonName{First: "John", Last: "Doe"}, 0)
	if err != nil {
		l.Error("could not create the demo consumer", err)
		return
	}

	// the account is opened asynchronously from ConsumerCreated
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if _, _, err := a.Accounting.Find(ctx, cs.ID); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}

	o, sagaID, err := a.Orders.CreateOrder(ctx, cs.ID, r.ID, contracts.DeliveryInformation{
		DeliveryTime:    time.Now().Add(time.Hour),
		DeliveryAddress: contracts.Address{Street1: "9 Home St", City: "Oakland", State: "CA", Zip: "94610"},
	}, []order.MenuItemQuantity{
		{MenuItemID: "chicken-vindaloo", Quantity: 2},
		{MenuItemID: "garlic-naan", Quantity: 1},
	})
	if err != nil {
		l.Error("could not place the demo order", err)
		return
	}
	l.Info(fmt.Sprintf("demo order '%s' placed, saga '%s' started", o.ID, sagaID))
}
