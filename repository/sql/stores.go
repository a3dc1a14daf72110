package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/saga"
)

const (
	insertAggregateSql = "INSERT INTO aggregates (aggregate_type, aggregate_id, version, state, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING"
	getAggregateSql    = "SELECT aggregate_type, aggregate_id, version, state, data, created_at, updated_at FROM aggregates WHERE aggregate_type=? AND aggregate_id=?"
	updateAggregateSql = "UPDATE aggregates SET version=?, state=?, data=?, updated_at=? WHERE aggregate_type=? AND aggregate_id=? AND version=?"
	existsAggregateSql = "SELECT COUNT(*) FROM aggregates WHERE aggregate_type=? AND aggregate_id=?"

	instanceColumns   = "id, saga_type, step_index, state, data, version, pending_command_id, attempts, deadline_at, failure_reason, created_at, updated_at"
	insertInstanceSql = "INSERT INTO saga_instances (" + instanceColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING"
	getInstanceSql    = "SELECT " + instanceColumns + " FROM saga_instances WHERE id=?"
	updateInstanceSql = "UPDATE saga_instances SET step_index=?, state=?, data=?, version=?, pending_command_id=?, attempts=?, deadline_at=?, failure_reason=?, updated_at=? WHERE id=? AND version=?"
	existsInstanceSql = "SELECT COUNT(*) FROM saga_instances WHERE id=?"
	expiredSql        = "SELECT " + instanceColumns + " FROM saga_instances WHERE state IN ('" + string(saga.Started) + "', '" + string(saga.Compensating) + "') AND deadline_at IS NOT NULL AND deadline_at<=? ORDER BY deadline_at ASC"

	getProcessedSql    = "SELECT reply FROM processed_commands WHERE participant=? AND command_id=?"
	insertProcessedSql = "INSERT INTO processed_commands (participant, command_id, reply) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"
)

var _ participant.ProcessedStore = (*Repository)(nil)

// Aggregates is the aggregate.Store view of a Repository.
type Aggregates struct {
	r *Repository
}

var _ aggregate.Store = (*Aggregates)(nil)

// Aggregates returns the 'aggregates' table.
func (r *Repository) Aggregates() *Aggregates {
	return &Aggregates{r: r}
}

// Insert implements aggregate.Store.
func (a *Aggregates) Insert(ctx context.Context, rec *aggregate.Record) error {
	r := a.r
	res, err := r.conn(ctx).ExecContext(ctx, r.q(insertAggregateSql),
		rec.Type, rec.ID, rec.Version, rec.State, rec.Data, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("could not insert %s '%s': %w", rec.Type, rec.ID, err)
	}
	if ra, err := res.RowsAffected(); err != nil {
		return errors.New(raNotSupported)
	} else if ra == 0 {
		return fmt.Errorf("%s '%s': %w", rec.Type, rec.ID, aggregate.ErrAlreadyExists)
	}
	return nil
}

// Load implements aggregate.Store.
func (a *Aggregates) Load(ctx context.Context, aggregateType string, id string) (*aggregate.Record, error) {
	r := a.r
	var rec aggregate.Record
	err := r.conn(ctx).QueryRowContext(ctx, r.q(getAggregateSql), aggregateType, id).
		Scan(&rec.Type, &rec.ID, &rec.Version, &rec.State, &rec.Data, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aggregate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update implements aggregate.Store.
func (a *Aggregates) Update(ctx context.Context, rec *aggregate.Record, expectedVersion int64) error {
	r := a.r
	db := r.conn(ctx)
	res, err := db.ExecContext(ctx, r.q(updateAggregateSql),
		expectedVersion+1, rec.State, rec.Data, rec.UpdatedAt.UTC(), rec.Type, rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update %s '%s': %w", rec.Type, rec.ID, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return r.missOrConflict(ctx, db, r.q(existsAggregateSql), rec.Type, rec.ID)
	}
	rec.Version = expectedVersion + 1
	return nil
}

// missOrConflict explains an update that matched no row.
func (r *Repository) missOrConflict(ctx context.Context, db querier, query string, args ...any) error {
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return aggregate.ErrNotFound
	}
	return aggregate.ErrConcurrentModification
}

// Instances is the saga.InstanceStore view of a Repository.
type Instances struct {
	r *Repository
}

var _ saga.InstanceStore = (*Instances)(nil)

// Instances returns the 'saga_instances' table.
func (r *Repository) Instances() *Instances {
	return &Instances{r: r}
}

// Create implements saga.InstanceStore.
func (is *Instances) Create(ctx context.Context, i *saga.Instance) error {
	r := is.r
	res, err := r.conn(ctx).ExecContext(ctx, r.q(insertInstanceSql),
		i.ID, i.SagaType, i.StepIndex, string(i.State), i.Data, i.Version, i.PendingCommandID, i.Attempts,
		nullTime(i.DeadlineAt), i.FailureReason, i.CreatedAt.UTC(), i.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("could not insert saga '%s': %w", i.ID, err)
	}
	if ra, err := res.RowsAffected(); err != nil {
		return errors.New(raNotSupported)
	} else if ra == 0 {
		return fmt.Errorf("saga '%s': %w", i.ID, aggregate.ErrAlreadyExists)
	}
	return nil
}

// Load implements saga.InstanceStore.
func (is *Instances) Load(ctx context.Context, id string) (*saga.Instance, error) {
	r := is.r
	var row instanceRow
	err := r.conn(ctx).QueryRowContext(ctx, r.q(getInstanceSql), id).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aggregate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.instance(), nil
}

// Update implements saga.InstanceStore.
func (is *Instances) Update(ctx context.Context, i *saga.Instance, expectedVersion int64) error {
	r := is.r
	db := r.conn(ctx)
	res, err := db.ExecContext(ctx, r.q(updateInstanceSql),
		i.StepIndex, string(i.State), i.Data, expectedVersion+1, i.PendingCommandID, i.Attempts,
		nullTime(i.DeadlineAt), i.FailureReason, i.UpdatedAt.UTC(), i.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update saga '%s': %w", i.ID, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return r.missOrConflict(ctx, db, r.q(existsInstanceSql), i.ID)
	}
	i.Version = expectedVersion + 1
	return nil
}

// FindExpired implements saga.InstanceStore.
func (is *Instances) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.Instance, error) {
	r := is.r
	query, args := expiredSql, []any{now.UTC()}
	if limit > 0 {
		query, args = query+" LIMIT ?", append(args, limit)
	}
	rows, err := r.conn(ctx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*saga.Instance
	for rows.Next() {
		var row instanceRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		res = append(res, row.instance())
	}
	return res, rows.Err()
}

// Lookup implements participant.ProcessedStore.
func (r *Repository) Lookup(ctx context.Context, participant string, commandId string) ([]byte, bool, error) {
	var reply []byte
	err := r.conn(ctx).QueryRowContext(ctx, r.q(getProcessedSql), participant, commandId).Scan(&reply)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return reply, true, nil
}

// Record implements participant.ProcessedStore. A command recorded by a
// concurrent transaction is reported as a concurrent modification so that the
// caller retries and finds it.
func (r *Repository) Record(ctx context.Context, participant string, commandId string, reply []byte) error {
	res, err := r.conn(ctx).ExecContext(ctx, r.q(insertProcessedSql), participant, commandId, reply)
	if err != nil {
		return fmt.Errorf("could not record command '%s': %w", commandId, err)
	}
	if ra, err := res.RowsAffected(); err != nil {
		return errors.New(raNotSupported)
	} else if ra == 0 {
		return fmt.Errorf("command '%s': %w", commandId, aggregate.ErrConcurrentModification)
	}
	return nil
}
