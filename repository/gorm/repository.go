// Package gorm is a backend on top of gorm. The outbox keeps hand written SQL
// while the aggregates, the saga instances and the processed commands are
// gorm models.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	getSubscriptionsSql          = "SELECT id, dispatcher_id, alive_at, version FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql          = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	insertOutboxSql              = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, destination, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=? WHERE dispatcher_id=?"
)

type Repository struct {
	txKey  repository.TxKey
	db     *gorm.DB
	mu     sync.Mutex
	hooks  []func()
	logger logger.Logger
	now    func() time.Time
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Repository = (*Repository)(nil)
var _ repository.Transactor = (*Repository)(nil)
var _ repository.CommitNotifier = (*Repository)(nil)

func New(txKey repository.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &logger.NopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	if l != nil {
		r.logger = l
	}
}

// OnCommit registers a hook run after every committed outermost transaction.
func (r *Repository) OnCommit(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, f)
}

// WithinTx runs fn in a gorm transaction stored in the context under the
// configured key. A transaction already in ctx is joined.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

// conn returns the transaction of ctx, or the database outside of one.
func (r *Repository) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *repository.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	err := tx.WithContext(ctx).Exec(insertOutboxSql, o.Id, o.AggregateType, o.AggregateId, o.PayloadType, o.Destination, o.Payload, o.CreatedAt.UTC()).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a database lock
// strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	now := r.now().UTC()
	if lock.Locked && lock.LockedUntil.Time.After(now) {
		return false, nil
	}
	lockedUntil := now.Add(repository.LockMaxDuration)
	res := r.db.WithContext(ctx).Exec(acquireLockSql, dispatcherId, now, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// another dispatcher took the lock in between
		return false, nil
	}

	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy != dispatcherId {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	if err := r.db.WithContext(ctx).Exec(releaseLockSql).Error; err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// FindInBatches walks the unpublished records in creation order, one page of
// batchSize at a time, and hands every page to fc. A positive limit bounds the
// records read in the call.
func (r *Repository) FindInBatches(ctx context.Context, batchSize int, limit int, fc func([]*repository.OutboxRecord) error) error {
	var after int64
	var read int
	for {
		size := batchSize
		if limit > 0 {
			size = min(size, limit-read)
		}
		if size <= 0 {
			return nil
		}
		var page []outboxModel
		err := r.db.WithContext(ctx).
			Where("published = ? AND seq > ?", false, after).
			Order("seq ASC").
			Limit(size).
			Find(&page).Error
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		ors := make([]*repository.OutboxRecord, len(page))
		for i := range page {
			ors[i] = page[i].record()
		}
		if err := fc(ors); err != nil {
			return err
		}
		read += len(page)
		after = page[len(page)-1].Seq
		if len(page) < size {
			return nil
		}
	}
}

// MarkInBatches flags the provided records as published in batches.
func (r *Repository) MarkInBatches(ctx context.Context, batchSize int, records []uuid.UUID) error {
	for i := 0; i < len(records); i += batchSize {
		end := min(i+batchSize, len(records))
		batch := records[i:end]

		placeholders := make([]string, len(batch))
		values := make([]any, len(batch))
		for j, id := range batch {
			placeholders[j] = "?"
			values[j] = id
		}
		query := "UPDATE outbox SET published=true WHERE id IN (" + strings.Join(placeholders, ",") + ")"
		if err := r.db.WithContext(ctx).Exec(query, values...).Error; err != nil {
			return err
		}
	}
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	var dss []repository.DispatcherSubscription
	if err := r.db.WithContext(ctx).Raw(getSubscriptionsSql).Scan(&dss).Error; err != nil {
		return false, 0, err
	}

	now := r.now().UTC()
	subscriptionId, ds := repository.AllocateSubscription(dss, now)
	if subscriptionId > maxDispatchers {
		r.logger.Debug("unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	if ds != nil {
		res := r.db.WithContext(ctx).Exec(subscribeDispatcherUpdateSql, dispatcherId, now, ds.Version+1, ds.Id, ds.Version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		res := r.db.WithContext(ctx).Exec(subscribeDispatcherInsertSql, subscriptionId, dispatcherId, now)
		if res.Error != nil {
			return false, 0, res.Error
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(updateSubscriptionSql, r.now().UTC(), dispatcherId)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId.String()))
		return false, nil
	}
	return true, nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	var lock outboxLock
	result := r.db.WithContext(ctx).Raw(getOutboxLockRowSql).Scan(&lock)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errors.New("the outbox_lock row is missing")
	}
	return &lock, nil
}
