package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/saga"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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
	res := a.r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(toAggregateModel(rec))
	if res.Error != nil {
		return fmt.Errorf("could not insert %s '%s': %w", rec.Type, rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s '%s': %w", rec.Type, rec.ID, aggregate.ErrAlreadyExists)
	}
	return nil
}

// Load implements aggregate.Store.
func (a *Aggregates) Load(ctx context.Context, aggregateType string, id string) (*aggregate.Record, error) {
	var m aggregateModel
	err := a.r.conn(ctx).Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, aggregate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.record(), nil
}

// Update implements aggregate.Store.
func (a *Aggregates) Update(ctx context.Context, rec *aggregate.Record, expectedVersion int64) error {
	db := a.r.conn(ctx)
	res := db.Model(&aggregateModel{}).
		Where("aggregate_type = ? AND aggregate_id = ? AND version = ?", rec.Type, rec.ID, expectedVersion).
		Updates(map[string]any{
			"version":    expectedVersion + 1,
			"state":      rec.State,
			"data":       rec.Data,
			"updated_at": rec.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("could not update %s '%s': %w", rec.Type, rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return missOrConflict(db.Model(&aggregateModel{}).Where("aggregate_type = ? AND aggregate_id = ?", rec.Type, rec.ID))
	}
	rec.Version = expectedVersion + 1
	return nil
}

// missOrConflict explains an update that matched no row.
func missOrConflict(q *gorm.DB) error {
	var n int64
	if err := q.Count(&n).Error; err != nil {
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
	res := is.r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(toInstanceModel(i))
	if res.Error != nil {
		return fmt.Errorf("could not insert saga '%s': %w", i.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("saga '%s': %w", i.ID, aggregate.ErrAlreadyExists)
	}
	return nil
}

// Load implements saga.InstanceStore.
func (is *Instances) Load(ctx context.Context, id string) (*saga.Instance, error) {
	var m instanceModel
	err := is.r.conn(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, aggregate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.instance(), nil
}

// Update implements saga.InstanceStore.
func (is *Instances) Update(ctx context.Context, i *saga.Instance, expectedVersion int64) error {
	db := is.r.conn(ctx)
	m := toInstanceModel(i)
	res := db.Model(&instanceModel{}).
		Where("id = ? AND version = ?", i.ID, expectedVersion).
		Updates(map[string]any{
			"step_index":         m.StepIndex,
			"state":              m.State,
			"data":               m.Data,
			"version":            expectedVersion + 1,
			"pending_command_id": m.PendingCommandID,
			"attempts":           m.Attempts,
			"deadline_at":        m.DeadlineAt,
			"failure_reason":     m.FailureReason,
			"updated_at":         m.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("could not update saga '%s': %w", i.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return missOrConflict(db.Model(&instanceModel{}).Where("id = ?", i.ID))
	}
	i.Version = expectedVersion + 1
	return nil
}

// FindExpired implements saga.InstanceStore.
func (is *Instances) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.Instance, error) {
	q := is.r.conn(ctx).
		Where("state IN ?", []string{string(saga.Started), string(saga.Compensating)}).
		Where("deadline_at IS NOT NULL AND deadline_at <= ?", now.UTC()).
		Order("deadline_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ms []instanceModel
	if err := q.Find(&ms).Error; err != nil {
		return nil, err
	}
	res := make([]*saga.Instance, len(ms))
	for i := range ms {
		res[i] = ms[i].instance()
	}
	return res, nil
}

// Lookup implements participant.ProcessedStore.
func (r *Repository) Lookup(ctx context.Context, participant string, commandId string) ([]byte, bool, error) {
	var m processedModel
	err := r.conn(ctx).Where("participant = ? AND command_id = ?", participant, commandId).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m.Reply, true, nil
}

// Record implements participant.ProcessedStore. A command recorded by a
// concurrent transaction is reported as a concurrent modification so that the
// caller retries and finds it.
func (r *Repository) Record(ctx context.Context, participant string, commandId string, reply []byte) error {
	m := &processedModel{Participant: participant, CommandId: commandId, Reply: reply}
	res := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return fmt.Errorf("could not record command '%s': %w", commandId, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("command '%s': %w", commandId, aggregate.ErrConcurrentModification)
	}
	return nil
}
