package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is the persisted form of an aggregate. State is kept out of Data so
// that it can be queried directly.
type Record struct {
	Type      string
	ID        string
	Version   int64
	State     string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists aggregate records with optimistic concurrency. Every method
// joins the transaction carried by ctx when the backend finds one.
type Store interface {
	// Insert persists a new record as given. It fails with ErrAlreadyExists
	// when the identity is taken.
	Insert(ctx context.Context, r *Record) error

	// Load returns the current record or ErrNotFound.
	Load(ctx context.Context, aggregateType string, id string) (*Record, error)

	// Update writes r with version expectedVersion+1 only if the persisted
	// version still equals expectedVersion, otherwise it fails with
	// ErrConcurrentModification and nothing is written. On success r.Version
	// holds the new version.
	Update(ctx context.Context, r *Record, expectedVersion int64) error
}

// Aggregate is implemented by the domain entities stored through Repository.
type Aggregate interface {
	AggregateID() string
	StateName() string
}

// Repository stores one aggregate type on top of a Store, serializing the
// entity as JSON.
type Repository[T Aggregate] struct {
	store         Store
	aggregateType string
	newT          func() T
	now           func() time.Time
}

// NewRepository creates a repository for aggregateType. newT must return an
// empty entity ready to be decoded into.
func NewRepository[T Aggregate](s Store, aggregateType string, newT func() T) *Repository[T] {
	if s == nil || newT == nil {
		panic("store and factory are mandatory")
	}
	return &Repository[T]{
		store:         s,
		aggregateType: aggregateType,
		newT:          newT,
		now:           time.Now,
	}
}

// Type returns the aggregate type handled by the repository.
func (r *Repository[T]) Type() string {
	return r.aggregateType
}

// Create persists a freshly built aggregate with version 0.
func (r *Repository[T]) Create(ctx context.Context, a T) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("serializing %s '%s': %w", r.aggregateType, a.AggregateID(), err)
	}
	now := r.now().UTC()
	return r.store.Insert(ctx, &Record{
		Type:      r.aggregateType,
		ID:        a.AggregateID(),
		State:     a.StateName(),
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Load returns the aggregate and the version it was read at.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, int64, error) {
	var zero T
	rec, err := r.store.Load(ctx, r.aggregateType, id)
	if err != nil {
		return zero, 0, fmt.Errorf("loading %s '%s': %w", r.aggregateType, id, err)
	}
	a := r.newT()
	if err := json.Unmarshal(rec.Data, a); err != nil {
		return zero, 0, fmt.Errorf("decoding %s '%s': %w", r.aggregateType, id, err)
	}
	return a, rec.Version, nil
}

// Save writes a predicated on expectedVersion and returns the new version.
func (r *Repository[T]) Save(ctx context.Context, a T, expectedVersion int64) (int64, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("serializing %s '%s': %w", r.aggregateType, a.AggregateID(), err)
	}
	rec := &Record{
		Type:      r.aggregateType,
		ID:        a.AggregateID(),
		State:     a.StateName(),
		Data:      data,
		UpdatedAt: r.now().UTC(),
	}
	if err := r.store.Update(ctx, rec, expectedVersion); err != nil {
		return 0, fmt.Errorf("saving %s '%s' at version %d: %w", r.aggregateType, a.AggregateID(), expectedVersion, err)
	}
	return rec.Version, nil
}

// Update loads the aggregate, applies mutate and saves it predicated on the
// version it was read at. mutate errors abort the write.
func (r *Repository[T]) Update(ctx context.Context, id string, mutate func(a T) ([]Event, error)) (T, []Event, error) {
	var zero T
	a, version, err := r.Load(ctx, id)
	if err != nil {
		return zero, nil, err
	}
	events, err := mutate(a)
	if err != nil {
		return zero, nil, err
	}
	if _, err := r.Save(ctx, a, version); err != nil {
		return zero, nil, err
	}
	return a, events, nil
}
