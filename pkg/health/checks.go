package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectProber is satisfied by storage.ObjectStore.
type ObjectProber interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// CacheReader is satisfied by *cache.TTL[[]byte].
type CacheReader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

const probeKey = "retrogate-health-probe"

func DatabaseCheck(db Pinger) *HealthCheck {
	return &HealthCheck{
		Name:     "database",
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			return db.Ping(ctx)
		},
	}
}

// ObjectStoreCheck asks the store about a key that never exists; only a
// transport or permission error fails.
func ObjectStoreCheck(name string, store ObjectProber) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  15 * time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			if _, err := store.Exists(ctx, probeKey); err != nil {
				return fmt.Errorf("object store probe failed: %w", err)
			}
			return nil
		},
	}
}

func CacheCheck(c CacheReader) *HealthCheck {
	return &HealthCheck{
		Name:     "cache",
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			_, _, err := c.Get(ctx, probeKey)
			return err
		},
	}
}
