// Package pgxv5 is a Postgres backend on the native pgx v5 driver. It holds
// the outbox, the aggregates, the saga instances and the processed commands,
// and it is the transactor that joins them.
package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	getSubscriptionsSql          = "SELECT id, dispatcher_id, alive_at, version FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql          = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	getOutboxEntriesSql          = "SELECT seq, id, aggregate_type, aggregate_id, event_type, destination, payload, created_at FROM outbox WHERE published=false AND seq>$1 ORDER BY seq ASC LIMIT $2"
	insertOutboxSql              = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, destination, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES ($1, $2, $3, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=$1, alive_at=$2, version=$3 WHERE id=$4 AND version=$5"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE id=1 AND version=$5"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=$1 WHERE dispatcher_id=$2"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier is implemented by dbpool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	txKey  repository.TxKey
	db     dbpool
	mu     sync.Mutex
	hooks  []func()
	logger logger.Logger
	now    func() time.Time
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Repository = (*Repository)(nil)
var _ repository.Transactor = (*Repository)(nil)
var _ repository.CommitNotifier = (*Repository)(nil)

func New(txKey repository.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
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

// WithinTx runs fn in a pgx.Tx stored in the context under the configured
// key. A transaction already in ctx is joined and left to its owner.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Error("could not roll back the transaction", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}

	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

// conn returns the transaction of ctx, or the pool outside of one.
func (r *Repository) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return tx
	}
	return r.db
}

// Save persists an outbox entry in the business transaction present in the
// context. The expected transaction should implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, o *repository.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertOutboxSql, o.Id, o.AggregateType, o.AggregateId, o.PayloadType, o.Destination, o.Payload, o.CreatedAt.UTC())
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
	if lock.locked && lock.lockedUntil.Time.After(now) {
		return false, nil
	}
	lockedUntil := now.Add(repository.LockMaxDuration)
	ct, err := r.db.Exec(ctx, acquireLockSql, dispatcherId, now, lockedUntil, lock.version+1, lock.version)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
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
	if !lock.locked || uuid.UUID(lock.lockedBy.Bytes) != dispatcherId {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	if _, err = r.db.Exec(ctx, releaseLockSql); err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// FindInBatches walks the unpublished records in creation order, one page of
// batchSize at a time, and hands every page to fc. A positive limit bounds the
// records read in the call. The page rows are released before fc runs.
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
		page, err := r.page(ctx, after, size)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fc(page); err != nil {
			return err
		}
		read += len(page)
		after = page[len(page)-1].Seq
		if len(page) < size {
			return nil
		}
	}
}

func (r *Repository) page(ctx context.Context, after int64, size int) ([]*repository.OutboxRecord, error) {
	rows, err := r.db.Query(ctx, getOutboxEntriesSql, after, size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ors []*repository.OutboxRecord
	for rows.Next() {
		var or repository.OutboxRecord
		err := rows.Scan(&or.Seq, &or.Id, &or.AggregateType, &or.AggregateId, &or.PayloadType, &or.Destination, &or.Payload, &or.CreatedAt)
		if err != nil {
			return nil, err
		}
		ors = append(ors, &or)
	}
	return ors, rows.Err()
}

// MarkInBatches flags the provided records as published in batches.
func (r *Repository) MarkInBatches(ctx context.Context, batchSize int, records []uuid.UUID) error {
	for i := 0; i < len(records); i += batchSize {
		end := min(i+batchSize, len(records))
		batch := records[i:end]

		placeholders := make([]string, len(batch))
		values := make([]any, len(batch))
		for j, id := range batch {
			placeholders[j] = "$" + strconv.Itoa(j+1)
			values[j] = id
		}
		query := "UPDATE outbox SET published=true WHERE id IN (" + strings.Join(placeholders, ",") + ")"
		if _, err := r.db.Exec(ctx, query, values...); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	dss, err := r.subscriptions(ctx)
	if err != nil {
		return false, 0, err
	}

	now := r.now().UTC()
	subscriptionId, ds := repository.AllocateSubscription(dss, now)
	if subscriptionId > maxDispatchers {
		r.logger.Debug("unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	if ds != nil {
		ct, err := r.db.Exec(ctx, subscribeDispatcherUpdateSql, dispatcherId, now, ds.Version+1, ds.Id, ds.Version)
		if err != nil {
			return false, 0, err
		}
		if ct.RowsAffected() == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		if _, err := r.db.Exec(ctx, subscribeDispatcherInsertSql, subscriptionId, dispatcherId, now); err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	ct, err := r.db.Exec(ctx, updateSubscriptionSql, r.now().UTC(), dispatcherId)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId.String()))
		return false, nil
	}
	return true, nil
}

func (r *Repository) subscriptions(ctx context.Context) ([]repository.DispatcherSubscription, error) {
	rows, err := r.db.Query(ctx, getSubscriptionsSql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dss []repository.DispatcherSubscription
	for rows.Next() {
		var ds repository.DispatcherSubscription
		if err := rows.Scan(&ds.Id, &ds.DispatcherId, &ds.AliveAt, &ds.Version); err != nil {
			return nil, err
		}
		dss = append(dss, ds)
	}
	return dss, rows.Err()
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	row := r.db.QueryRow(ctx, getOutboxLockRowSql)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
