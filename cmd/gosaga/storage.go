package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/internal/app"
	"github.com/3rs4lg4d0/gosaga/internal/config"
	gsgorm "github.com/3rs4lg4d0/gosaga/repository/gorm"
	"github.com/3rs4lg4d0/gosaga/repository/memory"
	"github.com/3rs4lg4d0/gosaga/repository/pgxv5"
	gssql "github.com/3rs4lg4d0/gosaga/repository/sql"
	"github.com/3rs4lg4d0/gosaga/schema"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type txKey struct{}

// GetStorage opens the configured backend and creates its tables.
func GetStorage(ctx context.Context, c *config.Config) (app.Storage, func(), error) {
	switch c.DBDriver {
	case "sqlite":
		db, err := sql.Open("sqlite", c.DBDSN)
		if err != nil {
			return app.Storage{}, nil, err
		}
		// one writer at a time
		db.SetMaxOpenConns(1)
		return sqlStorage(ctx, db, schema.SQLite, false)
	case "postgres":
		db, err := sql.Open("pgx", c.DBDSN)
		if err != nil {
			return app.Storage{}, nil, err
		}
		return sqlStorage(ctx, db, schema.Postgres, true)
	case "pgx":
		pool, err := pgxpool.New(ctx, c.DBDSN)
		if err != nil {
			return app.Storage{}, nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		err = schema.Apply(ctx, schema.ExecFunc(func(ctx context.Context, q string) error {
			_, err := pool.Exec(ctx, q)
			return err
		}), schema.Postgres)
		if err != nil {
			pool.Close()
			return app.Storage{}, nil, err
		}
		r := pgxv5.New(txKey{}, pool)
		return app.Storage{
			Tx:         r,
			Outbox:     r,
			Aggregates: r.Aggregates(),
			Instances:  r.Instances(),
			Processed:  r,
		}, pool.Close, nil
	case "gorm":
		db, err := gorm.Open(postgres.Open(c.DBDSN), &gorm.Config{
			SkipDefaultTransaction: true,
			Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return app.Storage{}, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		err = schema.Apply(ctx, schema.ExecFunc(func(ctx context.Context, q string) error {
			return db.WithContext(ctx).Exec(q).Error
		}), schema.Postgres)
		if err != nil {
			return app.Storage{}, nil, err
		}
		r := gsgorm.New(txKey{}, db)
		closer := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return app.Storage{
			Tx:         r,
			Outbox:     r,
			Aggregates: r.Aggregates(),
			Instances:  r.Instances(),
			Processed:  r,
		}, closer, nil
	default:
		s := memory.New()
		return app.Storage{
			Tx:         s,
			Outbox:     s,
			Aggregates: s.Aggregates(),
			Instances:  s.Instances(),
			Processed:  s,
		}, func() {}, nil
	}
}

func sqlStorage(ctx context.Context, db *sql.DB, d schema.Dialect, useDollar bool) (app.Storage, func(), error) {
	err := schema.Apply(ctx, schema.ExecFunc(func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}), d)
	if err != nil {
		_ = db.Close()
		return app.Storage{}, nil, err
	}
	r := gssql.New(txKey{}, db, useDollar)
	return app.Storage{
		Tx:         r,
		Outbox:     r,
		Aggregates: r.Aggregates(),
		Instances:  r.Instances(),
		Processed:  r,
	}, func() { _ = db.Close() }, nil
}
