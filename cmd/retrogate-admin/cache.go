package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retrogate/retrogate/cache"
	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/server/tunnel"
)

func runCache(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCacheUsage()
		os.Exit(1)
	}
	sub := args[0]
	fs, configPath := newFlagSet("cache " + sub)
	uri := fs.String("uri", "", "Tunnel target URI (warm, get)")
	file := fs.String("file", "", "File to serve, - for stdin (warm)")
	contentType := fs.String("content-type", "application/octet-stream", "Content type of --file (warm)")
	raw := fs.Bool("raw", false, "--file already holds a complete HTTP response (warm)")
	ttl := fs.Duration("ttl", 0, "Entry lifetime (warm, default [cache] tunnel_ttl)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, closeAll, err := openCacheStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	responses := cache.NewTTL[[]byte](store, cache.Base64Codec{})
	tun, err := tunnel.New(responses)
	if err != nil {
		return err
	}

	switch sub {
	case "warm":
		if *uri == "" || *file == "" {
			return fmt.Errorf("--uri and --file are required")
		}
		data, err := readInput(*file)
		if err != nil {
			return err
		}
		payload := data
		if !*raw {
			payload = tunnel.BuildResponse(*contentType, data)
		}
		lifetime := *ttl
		if lifetime <= 0 {
			lifetime = cfg.Cache.GetTunnelTTL()
		}
		if err := tun.Warm(ctx, *uri, lifetime, payload); err != nil {
			return err
		}
		fmt.Printf("Cached %s (%d bytes, expires in %s)\n", *uri, len(payload), lifetime)
	case "get":
		if *uri == "" {
			return fmt.Errorf("--uri is required")
		}
		payload, ok, err := tun.Lookup(ctx, *uri)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not cached", *uri)
		}
		if _, err := os.Stdout.Write(payload); err != nil {
			return err
		}
	case "purge":
		n, err := responses.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired entries\n", n)
	default:
		printCacheUsage()
		return fmt.Errorf("unknown cache subcommand %q", sub)
	}
	return nil
}

// openCacheStore opens the configured persistent backend. The memory
// backend lives inside the server process and cannot be reached from here.
func openCacheStore(ctx context.Context, cfg config.Config) (cache.Store, func(), error) {
	var pool *pgxpool.Pool
	closeDB := func() {}
	switch cfg.Cache.GetBackend() {
	case "memory":
		return nil, nil, fmt.Errorf("cache backend memory is local to the server process; use the HTTP API instead")
	case "postgres":
		database, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		pool = database.Pool
		closeDB = database.Close
	}
	store, err := cache.Open(cfg.Cache, pool)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		closeDB()
	}, nil
}

func printCacheUsage() {
	fmt.Printf(`Tunnel Cache Management

Usage:
  retrogate-admin cache <subcommand> [options]

Subcommands:
  warm    Store a response for --uri from --file (see --raw, --content-type, --ttl)
  get     Write the cached response for --uri to stdout
  purge   Delete expired entries

The sqlite and postgres backends are supported.
`)
}

