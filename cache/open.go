package cache

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retrogate/retrogate/config"
)

// Open builds the Store selected by cfg. pool is only used by the postgres
// backend and may be nil otherwise.
func Open(cfg config.CacheConfig, pool *pgxpool.Pool) (Store, error) {
	switch cfg.GetBackend() {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres cache backend needs a database connection")
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
