package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator runs schema migrations while holding the migration advisory
// lock.
type Migrator struct {
	m  *migrate.Migrate
	db *sql.DB
}

func NewMigrator(ctx context.Context, url string) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	driver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}
	return &Migrator{m: m, db: sqlDB}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// Up applies all pending migrations. No pending migrations is not an error.
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Down reverts steps migrations, or all of them when steps <= 0.
func (mg *Migrator) Down(ctx context.Context, steps int) error {
	return mg.locked(ctx, func() error {
		var err error
		if steps <= 0 {
			err = mg.m.Down()
		} else {
			err = mg.m.Steps(-steps)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to revert migrations: %w", err)
		}
		return nil
	})
}

// Version returns the applied version; ok is false on an empty database.
func (mg *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

func (mg *Migrator) locked(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := mg.db.Conn(lockCtx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection for migration lock: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(lockCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("could not acquire migration lock; another migration is running")
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID); err != nil {
			logger.Warn("DB: failed to release migration lock", "error", err)
		}
	}()

	return fn()
}

// Migrate applies pending migrations against url.
func Migrate(ctx context.Context, url string) error {
	mg, err := NewMigrator(ctx, url)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(ctx); err != nil {
		return err
	}
	if v, dirty, ok, err := mg.Version(); err == nil && ok {
		logger.Info("Database schema up to date", "version", v, "dirty", dirty)
	}
	return nil
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Debugf("migrate: "+format, v...)
}

func (migrationLogger) Verbose() bool { return false }
