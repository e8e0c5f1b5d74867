package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/db"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, args)
	case "add-user":
		err = runAddUser(ctx, args)
	case "passwd":
		err = runPasswd(ctx, args)
	case "deliver":
		err = runDeliver(ctx, args)
	case "purge-deleted":
		err = runPurgeDeleted(ctx, args)
	case "cache":
		err = runCache(ctx, args)
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Retrogate Admin Tool

Usage:
  retrogate-admin <command> [options]

Commands:
  migrate         Manage the database schema (up, down, version)
  add-user        Create a mailbox account
  passwd          Change an account's password
  deliver         Store a message file in an account's mailbox
  purge-deleted   Remove messages deleted longer ago than --older-than
  cache           Inspect or warm the tunnel cache (warm, get, purge)
  help            Show this help message

Examples:
  retrogate-admin migrate up
  retrogate-admin add-user --user alice --password secret
  retrogate-admin deliver --user alice --file message.eml
  retrogate-admin cache warm --uri ftp://ftp.example.org/pub/README --file README --content-type text/plain

Every command accepts --config (default: config.toml).
`)
}

// loadConfig reads path. Unlike the server, the admin tool requires the
// file to exist.
func loadConfig(path string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openDatabase connects with automatic migration turned off; schema changes
// go through the migrate command.
func openDatabase(ctx context.Context, cfg config.Config) (*db.Database, error) {
	if !cfg.Database.IsConfigured() {
		return nil, fmt.Errorf("[database] url is not configured")
	}
	var objects storage.ObjectStore
	if cfg.S3.IsConfigured() {
		s3, err := storage.New(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		objects = s3
	}
	dbCfg := cfg.Database
	dbCfg.Migrate = false
	return db.New(ctx, dbCfg, objects)
}

// newFlagSet registers the shared --config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	return fs, configPath
}
