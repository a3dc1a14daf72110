package saga

import (
	"context"
	"time"
)

// State of a saga instance.
type State string

const (
	Started      State = "STARTED"
	Compensating State = "COMPENSATING"
	Completed    State = "COMPLETED"
	Compensated  State = "COMPENSATED"
	Failed       State = "FAILED"
)

// Terminal reports whether no further transition is accepted from s.
func (s State) Terminal() bool {
	return s == Completed || s == Compensated || s == Failed
}

// Instance is the persisted progress of one saga run. While STARTED or
// COMPENSATING exactly one command, PendingCommandID, is in flight for
// StepIndex.
type Instance struct {
	ID               string
	SagaType         string
	StepIndex        int
	State            State
	Data             []byte
	Version          int64
	PendingCommandID string
	Attempts         int       // sends of the pending command
	DeadlineAt       time.Time // zero when nothing is awaited
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InstanceStore persists saga instances with optimistic concurrency. Methods
// join the transaction carried by ctx.
type InstanceStore interface {
	Create(ctx context.Context, i *Instance) error

	// Load returns the instance or aggregate.ErrNotFound.
	Load(ctx context.Context, id string) (*Instance, error)

	// Update writes i only if the persisted version equals expectedVersion,
	// failing with aggregate.ErrConcurrentModification otherwise. On success
	// i.Version is expectedVersion+1.
	Update(ctx context.Context, i *Instance, expectedVersion int64) error

	// FindExpired returns up to limit non terminal instances whose deadline
	// is not after now.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error)
}
