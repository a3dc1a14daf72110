// Package schema embeds the tables used by the SQL backends.
package schema

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var (
	//go:embed postgres/000001_gosaga.up.sql
	postgresUp string

	//go:embed sqlite/000001_gosaga.up.sql
	sqliteUp string
)

// Execer runs one statement. Backends adapt their connection with ExecFunc.
type Execer interface {
	ExecContext(ctx context.Context, query string) error
}

// ExecFunc adapts a function to Execer.
type ExecFunc func(ctx context.Context, query string) error

func (f ExecFunc) ExecContext(ctx context.Context, query string) error {
	return f(ctx, query)
}

// Statements returns the statements creating every table of d, in order.
func Statements(d Dialect) ([]string, error) {
	var script string
	switch d {
	case Postgres:
		script = postgresUp
	case SQLite:
		script = sqliteUp
	default:
		return nil, fmt.Errorf("unsupported dialect '%s'", d)
	}
	var res []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			res = append(res, s)
		}
	}
	return res, nil
}

// Apply creates the missing tables. Every statement is idempotent.
func Apply(ctx context.Context, e Execer, d Dialect) error {
	stmts, err := Statements(d)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if err := e.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("applying %s schema: %w", d, err)
		}
	}
	return nil
}
