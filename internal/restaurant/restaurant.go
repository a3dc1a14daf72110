// Package restaurant keeps the restaurants the other services price orders
// and pick deliveries up from.
package restaurant

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
)

// Open is the only state of a restaurant.
const Open = "OPEN"

// ErrUnknownMenuItem is returned when an order references an item the menu
// does not have.
var ErrUnknownMenuItem = errors.New("unknown menu item")

// Restaurant is a place that sells menu items.
type Restaurant struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Address contracts.Address    `json:"address"`
	Menu    []contracts.MenuItem `json:"menu"`
}

func (r *Restaurant) AggregateID() string { return r.ID }
func (r *Restaurant) StateName() string   { return Open }

// FindMenuItem returns the menu item with the given id.
func (r *Restaurant) FindMenuItem(id string) (contracts.MenuItem, error) {
	for _, mi := range r.Menu {
		if mi.ID == id {
			return mi, nil
		}
	}
	return contracts.MenuItem{}, fmt.Errorf("%w '%s' in restaurant '%s'", ErrUnknownMenuItem, id, r.ID)
}

// Service manages restaurants.
type Service struct {
	tx          repository.Transactor
	restaurants *aggregate.Repository[*Restaurant]
	recorder    aggregate.Recorder
	logger      logger.Logger
}

var _ logger.Loggable = (*Service)(nil)

// NewService creates the restaurant service.
func NewService(tx repository.Transactor, s aggregate.Store, r aggregate.Recorder) *Service {
	if tx == nil || s == nil || r == nil {
		panic("transactor, store and recorder are mandatory")
	}
	return &Service{
		tx:          tx,
		restaurants: aggregate.NewRepository(s, contracts.RestaurantAggregate, func() *Restaurant { return &Restaurant{} }),
		recorder:    r,
		logger:      &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Service) SetLogger(l logger.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Create opens a restaurant and publishes RestaurantCreated.
func (s *Service) Create(ctx context.Context, name string, address contracts.Address, menu []contracts.MenuItem) (*Restaurant, error) {
	r := &Restaurant{
		ID:      uuid.NewString(),
		Name:    name,
		Address: address,
		Menu:    menu,
	}
	for i := range r.Menu {
		if r.Menu[i].ID == "" {
			r.Menu[i].ID = uuid.NewString()
		}
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.restaurants.Create(ctx, r); err != nil {
			return err
		}
		return aggregate.Publish(ctx, s.recorder, contracts.RestaurantAggregate, r.ID, contracts.RestaurantCreatedEvent{
			RestaurantID: r.ID,
			Name:         r.Name,
			Address:      r.Address,
			Menu:         r.Menu,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(fmt.Sprintf("restaurant '%s' (%s) created", r.Name, r.ID))
	return r, nil
}

// Find returns a restaurant by id.
func (s *Service) Find(ctx context.Context, id string) (*Restaurant, error) {
	r, _, err := s.restaurants.Load(ctx, id)
	return r, err
}
