package gorm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/3rs4lg4d0/gosaga/saga"
	"github.com/3rs4lg4d0/gosaga/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const acquireLockSqlRegEx = "UPDATE outbox_lock SET locked=true"

func createSqlMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	r := New(test.DefaultCtxKey, gormDB)
	r.SetLogger(&test.TestLogger{})
	return r, mock
}

func record(aggregateId string) *repository.OutboxRecord {
	return &repository.OutboxRecord{
		Id:            uuid.New(),
		AggregateType: "Order",
		AggregateId:   aggregateId,
		PayloadType:   "OrderCreated",
		Destination:   "order-events",
		Payload:       []byte(`{"orderId":"` + aggregateId + `"}`),
		CreatedAt:     time.Now(),
	}
}

func TestNew(t *testing.T) {
	r, _ := createSqlMockRepository(t)

	type args struct {
		txKey repository.TxKey
		db    *gorm.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    r.db,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				txKey: nil,
				db:    r.db,
			},
			wantPanic: true,
		},
		{
			name: "db is nil",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			}
		})
	}
}

func TestWithinTx(t *testing.T) {
	type args struct {
		fail bool
	}
	testcases := []struct {
		name             string
		args             args
		mockExpectations func(sqlmock.Sqlmock)
		wantCommits      int
		wantErr          bool
	}{
		{
			name: "commit runs the hooks",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(7)...).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantCommits: 1,
		},
		{
			name: "an error rolls back",
			args: args{fail: true},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(7)...).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, mock := createSqlMockRepository(t)
			var commits int
			r.OnCommit(func() { commits++ })
			tc.mockExpectations(mock)

			err := r.WithinTx(context.Background(), func(ctx context.Context) error {
				// nested calls join the outer transaction
				return r.WithinTx(ctx, func(ctx context.Context) error {
					if err := r.Save(ctx, record("1")); err != nil {
						return err
					}
					if tc.args.fail {
						return errors.New("boom")
					}
					return nil
				})
			})
			test.AssertError(t, err, tc.wantErr)
			assert.Equal(t, tc.wantCommits, commits)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSave(t *testing.T) {
	r, mock := createSqlMockRepository(t)

	err := r.Save(context.Background(), record("1"))
	assert.EqualError(t, err, "a *gorm.DB transaction was expected")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(7)...).WillReturnError(errors.New("error#1"))
	mock.ExpectRollback()
	err = r.WithinTx(context.Background(), func(ctx context.Context) error {
		return r.Save(ctx, record("1"))
	})
	assert.EqualError(t, err, "could not persist the outbox record: error#1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLock(t *testing.T) {
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		want             bool
		wantErr          bool
	}{
		{
			name: "unlocked",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name: "another dispatcher wins the race",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: false,
		},
		{
			name: "held by another dispatcher",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, uuid.New(), time.Now().Add(time.Minute))
			},
			want: false,
		},
		{
			name: "lock query fails",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM outbox_lock").WillReturnError(errors.New("error#2"))
			},
			wantErr: true,
		},
		{
			name: "lock update fails",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnError(errors.New("error#3"))
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, mock := createSqlMockRepository(t)
			tc.mockExpectations(mock)

			ok, err := r.AcquireLock(context.Background(), uuid.New())
			test.AssertError(t, err, tc.wantErr)
			assert.Equal(t, tc.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReleaseLock(t *testing.T) {
	owner := uuid.New()
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
	}{
		{
			name: "released by its owner",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, owner, time.Now().Add(time.Minute))
				mock.ExpectExec("UPDATE outbox_lock SET locked=false").WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "not locked",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock)
			},
			wantErr: true,
		},
		{
			name: "locked by another dispatcher",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, uuid.New(), time.Now().Add(time.Minute))
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, mock := createSqlMockRepository(t)
			tc.mockExpectations(mock)

			test.AssertError(t, r.ReleaseLock(context.Background(), owner), tc.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFindInBatches(t *testing.T) {
	type args struct {
		batchSize int
		limit     int
		pages     []int
	}
	testcases := []struct {
		name      string
		args      args
		wantPages []int
	}{
		{
			name:      "short last page ends the walk",
			args:      args{batchSize: 2, pages: []int{2, 2, 1}},
			wantPages: []int{2, 2, 1},
		},
		{
			name:      "empty page ends the walk",
			args:      args{batchSize: 3, pages: []int{3, 0}},
			wantPages: []int{3},
		},
		{
			name:      "limit bounds the total",
			args:      args{batchSize: 2, limit: 3, pages: []int{2, 1}},
			wantPages: []int{2, 1},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, mock := createSqlMockRepository(t)
			var seq int64
			for _, n := range tc.args.pages {
				rows := sqlmock.NewRows([]string{"seq", "id", "aggregate_type", "aggregate_id", "event_type", "destination", "payload", "created_at", "published"})
				for i := 0; i < n; i++ {
					seq++
					rows.AddRow(seq, uuid.New().String(), "Order", "1", "OrderCreated", "order-events", []byte("payload"), time.Now(), false)
				}
				mock.ExpectQuery(`SELECT \* FROM "outbox" WHERE`).WillReturnRows(rows)
			}

			var got []int
			var last int64
			err := r.FindInBatches(context.Background(), tc.args.batchSize, tc.args.limit, func(ors []*repository.OutboxRecord) error {
				got = append(got, len(ors))
				for _, o := range ors {
					assert.Greater(t, o.Seq, last)
					last = o.Seq
					assert.Equal(t, "OrderCreated", o.PayloadType)
				}
				return nil
			})
			assert.NoError(t, err)
			assert.Equal(t, tc.wantPages, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkInBatches(t *testing.T) {
	r, mock := createSqlMockRepository(t)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	mock.ExpectExec(`UPDATE outbox SET published=true WHERE id IN \(\$1,\$2\)`).
		WithArgs(test.GenerateAnyArgsSlice(2)...).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE outbox SET published=true WHERE id IN \(\$1\)`).
		WithArgs(test.GenerateAnyArgsSlice(1)...).
		WillReturnError(errors.New("error#4"))

	assert.EqualError(t, r.MarkInBatches(context.Background(), 2, ids), "error#4")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeDispatcher(t *testing.T) {
	testcases := []struct {
		name             string
		maxDispatchers   int
		mockExpectations func(sqlmock.Sqlmock)
		wantOk           bool
		wantId           int
		wantErrMsg       string
	}{
		{
			name:           "expired subscription is reused",
			maxDispatchers: 3,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockSubscriptionRowsWithOneExpired(mock)
				mock.ExpectExec("UPDATE outbox_dispatcher_subscription SET dispatcher_id").
					WithArgs(test.GenerateAnyArgsSlice(5)...).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantOk: true,
			wantId: 3,
		},
		{
			name:           "race while reusing an expired subscription",
			maxDispatchers: 3,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockSubscriptionRowsWithOneExpired(mock)
				mock.ExpectExec("UPDATE outbox_dispatcher_subscription SET dispatcher_id").
					WithArgs(test.GenerateAnyArgsSlice(5)...).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErrMsg: "race condition detected during the optimistic locking",
		},
		{
			name:           "new subscription",
			maxDispatchers: 3,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockSubscriptionRowsAllActive(mock)
				mock.ExpectExec("INSERT INTO outbox_dispatcher_subscription").
					WithArgs(test.GenerateAnyArgsSlice(3)...).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantOk: true,
			wantId: 3,
		},
		{
			name:           "maximum number of dispatchers reached",
			maxDispatchers: 2,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockSubscriptionRowsAllActive(mock)
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, mock := createSqlMockRepository(t)
			tc.mockExpectations(mock)

			ok, id, err := r.SubscribeDispatcher(context.Background(), uuid.New(), tc.maxDispatchers)
			if tc.wantErrMsg != "" {
				assert.EqualError(t, err, tc.wantErrMsg)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.wantOk, ok)
				assert.Equal(t, tc.wantId, id)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateSubscription(t *testing.T) {
	r, mock := createSqlMockRepository(t)
	mock.ExpectExec("UPDATE outbox_dispatcher_subscription SET alive_at").WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_dispatcher_subscription SET alive_at").WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := r.UpdateSubscription(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.UpdateSubscription(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregates(t *testing.T) {
	r, mock := createSqlMockRepository(t)
	ctx := context.Background()
	now := time.Now()
	columns := []string{"aggregate_type", "aggregate_id", "version", "state", "data", "created_at", "updated_at"}

	mock.ExpectExec(`INSERT INTO "aggregates"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "aggregates"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "aggregates"`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("Order", "1", 1, "APPROVAL_PENDING", []byte(`{}`), now, now))
	mock.ExpectQuery(`SELECT \* FROM "aggregates"`).WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectExec(`UPDATE "aggregates" SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &aggregate.Record{Type: "Order", ID: "1", Version: 1, State: "APPROVAL_PENDING", Data: []byte(`{}`), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.Aggregates().Insert(ctx, rec))
	assert.ErrorIs(t, r.Aggregates().Insert(ctx, rec), aggregate.ErrAlreadyExists)

	got, err := r.Aggregates().Load(ctx, "Order", "1")
	require.NoError(t, err)
	assert.Equal(t, "APPROVAL_PENDING", got.State)
	assert.Equal(t, "Order", got.Type)

	_, err = r.Aggregates().Load(ctx, "Order", "2")
	assert.ErrorIs(t, err, aggregate.ErrNotFound)

	got.State = "APPROVED"
	require.NoError(t, r.Aggregates().Update(ctx, got, 1))
	assert.Equal(t, int64(2), got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregatesUpdateMiss(t *testing.T) {
	testcases := []struct {
		name    string
		exists  int
		wantErr error
	}{
		{
			name:    "stale version",
			exists:  1,
			wantErr: aggregate.ErrConcurrentModification,
		},
		{
			name:    "missing aggregate",
			exists:  0,
			wantErr: aggregate.ErrNotFound,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, mock := createSqlMockRepository(t)
			mock.ExpectExec(`UPDATE "aggregates" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT count\(\*\) FROM "aggregates"`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tc.exists))

			rec := &aggregate.Record{Type: "Order", ID: "1", Version: 3, UpdatedAt: time.Now()}
			assert.ErrorIs(t, r.Aggregates().Update(context.Background(), rec, 3), tc.wantErr)
			assert.Equal(t, int64(3), rec.Version)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestInstances(t *testing.T) {
	r, mock := createSqlMockRepository(t)
	ctx := context.Background()
	now := time.Now()
	columns := []string{"id", "saga_type", "step_index", "state", "data", "version", "pending_command_id",
		"attempts", "deadline_at", "failure_reason", "created_at", "updated_at"}

	mock.ExpectExec(`INSERT INTO "saga_instances"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "saga_instances" WHERE id`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("s1", "CreateOrderSaga", 1, string(saga.Started), []byte(`{}`), 1, "c1", 1, now, "", now, now))
	mock.ExpectQuery(`SELECT \* FROM "saga_instances" WHERE state IN`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("s1", "CreateOrderSaga", 1, string(saga.Started), []byte(`{}`), 1, "c1", 1, now, "", now, now).
			AddRow("s2", "CancelOrderSaga", 0, string(saga.Compensating), []byte(`{}`), 4, "c2", 2, now, "", now, now))
	mock.ExpectExec(`UPDATE "saga_instances" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "saga_instances" WHERE id`).WillReturnRows(sqlmock.NewRows(columns))

	i := &saga.Instance{ID: "s1", SagaType: "CreateOrderSaga", StepIndex: 1, State: saga.Started, Data: []byte(`{}`),
		Version: 1, PendingCommandID: "c1", Attempts: 1, DeadlineAt: now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.Instances().Create(ctx, i))

	got, err := r.Instances().Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, saga.Started, got.State)
	assert.Equal(t, "c1", got.PendingCommandID)
	assert.False(t, got.DeadlineAt.IsZero())

	expired, err := r.Instances().FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, saga.Compensating, expired[1].State)

	got.State = saga.Completed
	got.DeadlineAt = time.Time{}
	require.NoError(t, r.Instances().Update(ctx, got, 1))
	assert.Equal(t, int64(2), got.Version)

	_, err = r.Instances().Load(ctx, "missing")
	assert.ErrorIs(t, err, aggregate.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessed(t *testing.T) {
	r, mock := createSqlMockRepository(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "processed_commands"`).WillReturnRows(sqlmock.NewRows([]string{"participant", "command_id", "reply"}))
	mock.ExpectExec(`INSERT INTO "processed_commands"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "processed_commands"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "processed_commands"`).
		WillReturnRows(sqlmock.NewRows([]string{"participant", "command_id", "reply"}).AddRow("kitchen", "c1", []byte("ok")))

	_, found, err := r.Lookup(ctx, "kitchen", "c1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, r.Record(ctx, "kitchen", "c1", []byte("ok")))
	assert.ErrorIs(t, r.Record(ctx, "kitchen", "c1", []byte("ok")), aggregate.ErrConcurrentModification)

	reply, found, err := r.Lookup(ctx, "kitchen", "c1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("ok"), reply)
	assert.NoError(t, mock.ExpectationsWereMet())
}
