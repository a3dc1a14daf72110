package pgxv5

import (
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/saga"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    pgtype.UUID
	lockedAt    pgtype.Timestamptz
	lockedUntil pgtype.Timestamptz
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		uuid.UUID(o.lockedBy.Bytes),
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}

// instanceRow mirrors a 'saga_instances' row.
type instanceRow struct {
	saga.Instance
	state      string
	deadlineAt pgtype.Timestamptz
}

func (r *instanceRow) dest() []any {
	return []any{&r.ID, &r.SagaType, &r.StepIndex, &r.state, &r.Data, &r.Version, &r.PendingCommandID,
		&r.Attempts, &r.deadlineAt, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt}
}

func (r *instanceRow) instance() *saga.Instance {
	i := r.Instance
	i.State = saga.State(r.state)
	if r.deadlineAt.Valid {
		i.DeadlineAt = r.deadlineAt.Time
	}
	return &i
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}
