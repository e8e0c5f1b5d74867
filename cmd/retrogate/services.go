package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retrogate/retrogate/cache"
	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/db"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/health"
	"github.com/retrogate/retrogate/pkg/retry"
	"github.com/retrogate/retrogate/server"
	"github.com/retrogate/retrogate/server/cleaner"
	"github.com/retrogate/retrogate/server/httpapi"
	"github.com/retrogate/retrogate/server/tunnel"
	"github.com/retrogate/retrogate/storage"
	"github.com/retrogate/retrogate/tlsmanager"
)

// serverDependencies holds the shared services every listener draws from.
type serverDependencies struct {
	config        config.Config
	objects       storage.ObjectStore
	database      *db.Database
	cacheStore    cache.Store
	responses     *cache.TTL[[]byte]
	tunnel        *tunnel.Server
	luaHandler    *tunnel.LuaHandler
	tlsManager    *tlsmanager.Manager
	cleanup       *cleaner.CleanupWorker
	health        *health.HealthMonitor
	serverManager *serverManager

	mu        sync.Mutex
	listeners []*server.Listener
}

func (d *serverDependencies) addListener(l *server.Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *serverDependencies) listenerInfo() []httpapi.ListenerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]httpapi.ListenerInfo, len(d.listeners))
	for i, l := range d.listeners {
		out[i] = l
	}
	return out
}

// shutdownTimeout is the longest listener grace plus a margin for the
// HTTP servers.
func (d *serverDependencies) shutdownTimeout() time.Duration {
	longest := config.DefaultShutdownGrace
	for _, s := range d.config.GetAllServers() {
		if g := s.GetShutdownGrace(); g > longest {
			longest = g
		}
	}
	return longest + 5*time.Second
}

func (d *serverDependencies) Close() {
	if d.cleanup != nil {
		d.cleanup.Stop()
	}
	if d.health != nil {
		d.health.Stop()
	}
	if d.luaHandler != nil {
		d.luaHandler.Close()
	}
	if d.cacheStore != nil {
		if err := d.cacheStore.Close(); err != nil {
			logger.Warn("Failed to close cache store", "error", err)
		}
	}
	if d.database != nil {
		d.database.Close()
	}
}

func needs(cfg config.Config, types ...string) bool {
	for _, s := range cfg.GetAllServers() {
		if slices.Contains(types, s.Type) {
			return true
		}
	}
	return false
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{config: cfg, serverManager: &serverManager{}}

	if cfg.S3.IsConfigured() {
		s3, err := storage.New(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		deps.objects = s3
		logger.Info("S3 storage initialized", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	if cfg.Database.IsConfigured() {
		database, err := db.New(ctx, cfg.Database, deps.objects)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.database = database
	}

	if needs(cfg, config.ServerTypeTunnel, config.ServerTypeHTTP) {
		if err := initTunnel(deps); err != nil {
			deps.Close()
			return nil, err
		}
	}

	manager, err := tlsmanager.New(cfg.TLS, deps.objects)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize TLS: %w", err)
	}
	deps.tlsManager = manager

	return deps, nil
}

// startHealth monitors the shared backends; /health reports the results.
func startHealth(ctx context.Context, deps *serverDependencies) {
	hm := health.NewHealthMonitor()
	if deps.database != nil {
		hm.RegisterCheck(health.DatabaseCheck(deps.database.Pool))
	}
	if deps.objects != nil {
		hm.RegisterCheck(health.ObjectStoreCheck("s3", deps.objects))
	}
	if deps.responses != nil {
		hm.RegisterCheck(health.CacheCheck(deps.responses))
	}
	hm.Start(ctx)
	deps.health = hm
}

// startCleanup runs the purge worker when there is a cache or a mail
// database to clean.
func startCleanup(ctx context.Context, deps *serverDependencies) {
	cfg := deps.config.Cleanup
	if !cfg.Enabled {
		return
	}
	var (
		purger   cleaner.CachePurger
		messages cleaner.MessagePurger
	)
	if deps.responses != nil {
		purger = deps.responses
	}
	if deps.database != nil {
		messages = deps.database
	}
	if purger == nil && messages == nil {
		return
	}
	deps.cleanup = cleaner.New(purger, messages, cfg.GetInterval(), cfg.GetMessageRetention())
	deps.cleanup.Start(ctx)
}

func initTunnel(deps *serverDependencies) error {
	cfg := deps.config

	var pool *pgxpool.Pool
	if deps.database != nil {
		pool = deps.database.Pool
	}
	store, err := cache.Open(cfg.Cache, pool)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	deps.cacheStore = store
	deps.responses = cache.NewTTL[[]byte](store, cache.Base64Codec{})
	logger.Info("Cache opened", "backend", cfg.Cache.GetBackend(), "tunnel_ttl", cfg.Cache.GetTunnelTTL())

	handlers, err := buildHandlers(deps)
	if err != nil {
		return err
	}
	deps.tunnel, err = tunnel.New(deps.responses, handlers...)
	return err
}

// buildHandlers assembles the tunnel chain in configured order.
func buildHandlers(deps *serverDependencies) ([]tunnel.Handler, error) {
	cfg := deps.config.Tunnel
	var handlers []tunnel.Handler
	for _, name := range cfg.GetHandlers() {
		switch name {
		case "lua":
			h, err := tunnel.NewLuaHandler(cfg.LuaScripts)
			if err != nil {
				return nil, fmt.Errorf("failed to load lua scripts: %w", err)
			}
			deps.luaHandler = h
			handlers = append(handlers, h)
		case "mirror":
			objects, err := mirrorStore(deps)
			if err != nil {
				return nil, err
			}
			handlers = append(handlers, tunnel.NewMirrorHandler(objects))
		case "ftp":
			backoff := retry.DefaultBackoffConfig()
			if cfg.FTPMaxRetries > 0 {
				backoff.MaxRetries = cfg.FTPMaxRetries
			}
			handlers = append(handlers, tunnel.NewFTPHandler(tunnel.FTPHandlerConfig{
				Timeout:           cfg.GetFTPTimeout(),
				AnonymousPassword: cfg.GetFTPAnonymousPassword(),
				Backoff:           backoff,
				BreakerFailures:   cfg.FTPBreakerFailures,
				BreakerTimeout:    cfg.GetFTPBreakerTimeout(),
			}))
		default:
			return nil, fmt.Errorf("unknown tunnel handler %q", name)
		}
		logger.Info("Tunnel handler enabled", "handler", name)
	}
	return handlers, nil
}

// mirrorStore uses the main bucket unless a separate mirror bucket is set.
func mirrorStore(deps *serverDependencies) (storage.ObjectStore, error) {
	cfg := deps.config
	if cfg.Tunnel.MirrorBucket == "" || cfg.Tunnel.MirrorBucket == cfg.S3.Bucket {
		if deps.objects == nil {
			return nil, fmt.Errorf("tunnel mirror handler requires [s3]")
		}
		return deps.objects, nil
	}
	s3cfg := cfg.S3
	s3cfg.Bucket = cfg.Tunnel.MirrorBucket
	s3, err := storage.New(s3cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mirror bucket: %w", err)
	}
	return s3, nil
}
