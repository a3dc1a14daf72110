package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	LockMaxDuration     = time.Second * 15 // max duration of a table lock on 'outbox_lock'
	SubsExpirationAfter = time.Second * 30 // consider a subscription expired after 30 seconds of inactivity
)

// TxKey is the context key under which a backend stores the business
// transaction in progress.
type TxKey any

// Transactor runs business operations inside one local transaction. The
// transaction is stored in the context passed to fn so that every store of
// the same backend joins it. When ctx already carries a transaction fn runs
// inside it and the outermost caller decides whether it commits.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CommitNotifier is implemented by transactors able to run hooks after a
// successful commit of an outermost transaction.
type CommitNotifier interface {
	OnCommit(func())
}

// OutboxRecord contains all the information stored in the underlying outbox
// table.
type OutboxRecord struct {
	Id            uuid.UUID
	Seq           int64  // creation order assigned by the store
	AggregateType string // the aggregate type (e.g. "Order")
	AggregateId   string // the aggregate identifier
	PayloadType   string // the payload type (e.g. "OrderCreated" or a command type)
	Destination   string // channel or topic the record is addressed to
	Payload       []byte
	CreatedAt     time.Time
	Published     bool
}

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists an outbox record in the configured external storage.
	// This operation should be called inside an existing business transaction
	// provided in the context.
	Save(ctx context.Context, o *OutboxRecord) error

	// AcquireLock gets a lock on the outbox table. Implementations of this function
	// should use locking mechanisms to ensure that only one client gets the lock.
	AcquireLock(ctx context.Context, dispatcherId uuid.UUID) (bool, error)

	// ReleaseLock releases a lock on the outbox table.
	ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error

	// FindInBatches retrieves the unpublished records in creation order to be
	// processed in batches.
	FindInBatches(ctx context.Context, batchSize int, limit int, fc func([]*OutboxRecord) error) error

	// MarkInBatches flags the provided records as published in batches.
	MarkInBatches(ctx context.Context, batchSize int, records []uuid.UUID) error

	// SubscribeDispatcher tries to create a dispatcher subscription taking into
	// account the maximum allowed dispatchers. Implementations of this function
	// should use locking mechanisms to prevent that the maximum allowed dispatchers
	// number is surpassed.
	SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription updates the dispatcher subscription to prevent potential
	// thefts by other dispatchers.
	UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (updated bool, err error)
}

// DispatcherSubscription is a row of the 'outbox_dispatcher_subscription' table.
type DispatcherSubscription struct {
	Id           int
	DispatcherId uuid.UUID
	AliveAt      time.Time
	Version      int64
}

// AllocateSubscription analyzes the current subscriptions and determines the next
// subscription identifier that can be used for a new dispatcher. If there is an
// expired subscription (determined by AliveAt) it is reused instead of allocating
// a new subscription entry.
func AllocateSubscription(dss []DispatcherSubscription, now time.Time) (int, *DispatcherSubscription) {
	for _, ds := range dss {
		if IsExpired(ds, now) {
			return ds.Id, &ds
		}
	}
	return len(dss) + 1, nil
}

// IsExpired considers expired the subscriptions whose dispatcher last AliveAt mark
// is above SubsExpirationAfter from now.
func IsExpired(ds DispatcherSubscription, now time.Time) bool {
	return ds.AliveAt.Add(SubsExpirationAfter).Before(now)
}
