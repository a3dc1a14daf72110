package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/saga"
	"github.com/jackc/pgx/v5"
)

const (
	insertAggregateSql = "INSERT INTO aggregates (aggregate_type, aggregate_id, version, state, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING"
	getAggregateSql    = "SELECT aggregate_type, aggregate_id, version, state, data, created_at, updated_at FROM aggregates WHERE aggregate_type=$1 AND aggregate_id=$2"
	updateAggregateSql = "UPDATE aggregates SET version=$1, state=$2, data=$3, updated_at=$4 WHERE aggregate_type=$5 AND aggregate_id=$6 AND version=$7"
	existsAggregateSql = "SELECT COUNT(*) FROM aggregates WHERE aggregate_type=$1 AND aggregate_id=$2"

	instanceColumns   = "id, saga_type, step_index, state, data, version, pending_command_id, attempts, deadline_at, failure_reason, created_at, updated_at"
	insertInstanceSql = "INSERT INTO saga_instances (" + instanceColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT DO NOTHING"
	getInstanceSql    = "SELECT " + instanceColumns + " FROM saga_instances WHERE id=$1"
	updateInstanceSql = "UPDATE saga_instances SET step_index=$1, state=$2, data=$3, version=$4, pending_command_id=$5, attempts=$6, deadline_at=$7, failure_reason=$8, updated_at=$9 WHERE id=$10 AND version=$11"
	existsInstanceSql = "SELECT COUNT(*) FROM saga_instances WHERE id=$1"
	expiredSql        = "SELECT " + instanceColumns + " FROM saga_instances WHERE state IN ('" + string(saga.Started) + "', '" + string(saga.Compensating) + "') AND deadline_at IS NOT NULL AND deadline_at<=$1 ORDER BY deadline_at ASC"

	getProcessedSql    = "SELECT reply FROM processed_commands WHERE participant=$1 AND command_id=$2"
	insertProcessedSql = "INSERT INTO processed_commands (participant, command_id, reply) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING"
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
	ct, err := a.r.conn(ctx).Exec(ctx, insertAggregateSql,
		rec.Type, rec.ID, rec.Version, rec.State, rec.Data, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("could not insert %s '%s': %w", rec.Type, rec.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%s '%s': %w", rec.Type, rec.ID, aggregate.ErrAlreadyExists)
	}
	return nil
}

// Load implements aggregate.Store.
func (a *Aggregates) Load(ctx context.Context, aggregateType string, id string) (*aggregate.Record, error) {
	var rec aggregate.Record
	err := a.r.conn(ctx).QueryRow(ctx, getAggregateSql, aggregateType, id).
		Scan(&rec.Type, &rec.ID, &rec.Version, &rec.State, &rec.Data, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, aggregate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update implements aggregate.Store.
func (a *Aggregates) Update(ctx context.Context, rec *aggregate.Record, expectedVersion int64) error {
	db := a.r.conn(ctx)
	ct, err := db.Exec(ctx, updateAggregateSql,
		expectedVersion+1, rec.State, rec.Data, rec.UpdatedAt.UTC(), rec.Type, rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update %s '%s': %w", rec.Type, rec.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return missOrConflict(ctx, db, existsAggregateSql, rec.Type, rec.ID)
	}
	rec.Version = expectedVersion + 1
	return nil
}

// missOrConflict explains an update that matched no row.
func missOrConflict(ctx context.Context, db querier, query string, args ...any) error {
	var n int64
	if err := db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
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
	ct, err := is.r.conn(ctx).Exec(ctx, insertInstanceSql,
		i.ID, i.SagaType, i.StepIndex, string(i.State), i.Data, i.Version, i.PendingCommandID, i.Attempts,
		timestamptz(i.DeadlineAt), i.FailureReason, i.CreatedAt.UTC(), i.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("could not insert saga '%s': %w", i.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("saga '%s': %w", i.ID, aggregate.ErrAlreadyExists)
	}
	return nil
}

// Load implements saga.InstanceStore.
func (is *Instances) Load(ctx context.Context, id string) (*saga.Instance, error) {
	var row instanceRow
	err := is.r.conn(ctx).QueryRow(ctx, getInstanceSql, id).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, aggregate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.instance(), nil
}

// Update implements saga.InstanceStore.
func (is *Instances) Update(ctx context.Context, i *saga.Instance, expectedVersion int64) error {
	db := is.r.conn(ctx)
	ct, err := db.Exec(ctx, updateInstanceSql,
		i.StepIndex, string(i.State), i.Data, expectedVersion+1, i.PendingCommandID, i.Attempts,
		timestamptz(i.DeadlineAt), i.FailureReason, i.UpdatedAt.UTC(), i.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("could not update saga '%s': %w", i.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return missOrConflict(ctx, db, existsInstanceSql, i.ID)
	}
	i.Version = expectedVersion + 1
	return nil
}

// FindExpired implements saga.InstanceStore.
func (is *Instances) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.Instance, error) {
	query, args := expiredSql, []any{now.UTC()}
	if limit > 0 {
		query, args = query+" LIMIT $2", append(args, limit)
	}
	rows, err := is.r.conn(ctx).Query(ctx, query, args...)
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
	err := r.conn(ctx).QueryRow(ctx, getProcessedSql, participant, commandId).Scan(&reply)
	if errors.Is(err, pgx.ErrNoRows) {
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
	ct, err := r.conn(ctx).Exec(ctx, insertProcessedSql, participant, commandId, reply)
	if err != nil {
		return fmt.Errorf("could not record command '%s': %w", commandId, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("command '%s': %w", commandId, aggregate.ErrConcurrentModification)
	}
	return nil
}
