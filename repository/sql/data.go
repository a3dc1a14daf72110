package sql

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/saga"
	"github.com/google/uuid"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    uuid.UUID
	lockedAt    sql.NullTime
	lockedUntil sql.NullTime
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy,
		o.lockedAt,
		o.lockedUntil,
		o.version)
}

// instanceRow mirrors a 'saga_instances' row.
type instanceRow struct {
	saga.Instance
	deadlineAt sql.NullTime
}

func (r *instanceRow) dest() []any {
	return []any{&r.ID, &r.SagaType, &r.StepIndex, &r.State, &r.Data, &r.Version, &r.PendingCommandID,
		&r.Attempts, &r.deadlineAt, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt}
}

func (r *instanceRow) instance() *saga.Instance {
	i := r.Instance
	if r.deadlineAt.Valid {
		i.DeadlineAt = r.deadlineAt.Time
	}
	return &i
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
