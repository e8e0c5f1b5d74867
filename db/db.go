// Package db is the PostgreSQL-backed user and mail store behind the POP3
// adapter. Message bodies live inline or in the object store, addressed by
// their BLAKE3 hash.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/metrics"
	"github.com/retrogate/retrogate/storage"
)

const uniqueViolation = "23505"

type Database struct {
	Pool *pgxpool.Pool

	objects      storage.ObjectStore
	queryTimeout time.Duration
}

// New connects to PostgreSQL and, when cfg.Migrate is set, applies pending
// migrations first. objects may be nil, in which case bodies are always
// stored inline.
func New(ctx context.Context, cfg config.DatabaseConfig, objects storage.ObjectStore) (*Database, error) {
	if !cfg.IsConfigured() {
		return nil, errors.New("database url is not configured")
	}

	if cfg.Migrate {
		if err := Migrate(ctx, cfg.URL); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.Debug {
		poolCfg.ConnConfig.Tracer = &queryTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database connected", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database,
		"max_conns", poolCfg.MaxConns)

	return &Database{Pool: pool, objects: objects, queryTimeout: cfg.GetQueryTimeout()}, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func record(operation string, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		status = "not_found"
	default:
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func wrapNotFound(err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return fmt.Errorf("%w: %v", consts.ErrInternalError, err)
}

// queryTracer logs every statement at debug level.
type queryTracer struct{}

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

func (queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, _ := ctx.Value(traceStartKey{}).(traceStart)
	if data.Err != nil {
		logger.Debug("DB: query failed", "sql", ts.sql, "duration", time.Since(ts.start), "error", data.Err)
		return
	}
	logger.Debug("DB: query", "sql", ts.sql, "duration", time.Since(ts.start), "rows", data.CommandTag.RowsAffected())
}
