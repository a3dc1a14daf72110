package gorm

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/3rs4lg4d0/gosaga/saga"
	"github.com/google/uuid"
)

type outboxLock struct {
	ID          int
	Locked      bool
	LockedBy    uuid.UUID
	LockedAt    sql.NullTime
	LockedUntil sql.NullTime
	Version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.Locked,
		o.LockedBy,
		o.LockedAt.Time,
		o.LockedUntil.Time,
		o.Version)
}

type outboxModel struct {
	Seq           int64 `gorm:"primaryKey"`
	Id            uuid.UUID
	AggregateType string
	AggregateId   string
	EventType     string
	Destination   string
	Payload       []byte
	CreatedAt     time.Time
	Published     bool
}

func (outboxModel) TableName() string { return "outbox" }

func (m *outboxModel) record() *repository.OutboxRecord {
	return &repository.OutboxRecord{
		Id:            m.Id,
		Seq:           m.Seq,
		AggregateType: m.AggregateType,
		AggregateId:   m.AggregateId,
		PayloadType:   m.EventType,
		Destination:   m.Destination,
		Payload:       m.Payload,
		CreatedAt:     m.CreatedAt,
		Published:     m.Published,
	}
}

type aggregateModel struct {
	AggregateType string `gorm:"primaryKey"`
	AggregateId   string `gorm:"primaryKey"`
	Version       int64
	State         string
	Data          []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (aggregateModel) TableName() string { return "aggregates" }

func toAggregateModel(r *aggregate.Record) *aggregateModel {
	return &aggregateModel{
		AggregateType: r.Type,
		AggregateId:   r.ID,
		Version:       r.Version,
		State:         r.State,
		Data:          r.Data,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (m *aggregateModel) record() *aggregate.Record {
	return &aggregate.Record{
		Type:      m.AggregateType,
		ID:        m.AggregateId,
		Version:   m.Version,
		State:     m.State,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

type instanceModel struct {
	ID               string `gorm:"primaryKey"`
	SagaType         string
	StepIndex        int
	State            string
	Data             []byte
	Version          int64
	PendingCommandID string
	Attempts         int
	DeadlineAt       sql.NullTime
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (instanceModel) TableName() string { return "saga_instances" }

func toInstanceModel(i *saga.Instance) *instanceModel {
	return &instanceModel{
		ID:               i.ID,
		SagaType:         i.SagaType,
		StepIndex:        i.StepIndex,
		State:            string(i.State),
		Data:             i.Data,
		Version:          i.Version,
		PendingCommandID: i.PendingCommandID,
		Attempts:         i.Attempts,
		DeadlineAt:       nullTime(i.DeadlineAt),
		FailureReason:    i.FailureReason,
		CreatedAt:        i.CreatedAt.UTC(),
		UpdatedAt:        i.UpdatedAt.UTC(),
	}
}

func (m *instanceModel) instance() *saga.Instance {
	i := &saga.Instance{
		ID:               m.ID,
		SagaType:         m.SagaType,
		StepIndex:        m.StepIndex,
		State:            saga.State(m.State),
		Data:             m.Data,
		Version:          m.Version,
		PendingCommandID: m.PendingCommandID,
		Attempts:         m.Attempts,
		FailureReason:    m.FailureReason,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.DeadlineAt.Valid {
		i.DeadlineAt = m.DeadlineAt.Time
	}
	return i
}

type processedModel struct {
	Participant string `gorm:"primaryKey"`
	CommandId   string `gorm:"primaryKey"`
	Reply       []byte
}

func (processedModel) TableName() string { return "processed_commands" }

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
