package test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gosaga/schema"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	_ "modernc.org/sqlite"
)

var DefaultCtxKey any = "myKey"

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, err := find.Repo()
	if err != nil {
		return nil, err
	}
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "schema/postgres/000001_gosaga.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
}

// NewSQLiteDB opens a private in-memory SQLite database with every table
// created. The single connection keeps the database alive and serializes
// transactions.
func NewSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	err = schema.Apply(context.Background(), schema.ExecFunc(func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}), schema.SQLite)
	require.NoError(t, err)
	return db
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, false, nil, nil, nil, 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID, until time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, true, dispatcherId.String(), time.Now(), until, 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockOutboxRows(mock sqlmock.Sqlmock, from int64, n int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"seq", "id", "aggregate_type", "aggregate_id", "event_type", "destination", "payload", "created_at"})
	for i := 0; i < n; i++ {
		rows.AddRow(from+int64(i), uuid.New().String(), "Order", "1", "OrderCreated", "order-events", []byte("payload"), time.Now())
	}
	mock.ExpectQuery("SELECT (.+) FROM outbox WHERE published=false").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsWithOneExpired(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.New().String(), time.Now(), 1).
		AddRow(2, uuid.New().String(), time.Now(), 1).
		AddRow(3, uuid.New().String(), time.Now().Add(time.Minute*-1), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsAllActive(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.New().String(), time.Now(), 1).
		AddRow(2, uuid.New().String(), time.Now(), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}
