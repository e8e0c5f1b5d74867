package main

import (
	"context"
	"fmt"
	"os"

	"github.com/retrogate/retrogate/db"
)

func runMigrate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printMigrateUsage()
		os.Exit(1)
	}
	sub := args[0]
	fs, configPath := newFlagSet("migrate " + sub)
	steps := fs.Int("steps", 1, "Number of migrations to revert (down only)")
	all := fs.Bool("all", false, "Revert every migration (down only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Database.IsConfigured() {
		return fmt.Errorf("[database] url is not configured")
	}
	mg, err := db.NewMigrator(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer mg.Close()

	switch sub {
	case "up":
		if err := mg.Up(ctx); err != nil {
			return err
		}
	case "down":
		n := *steps
		if *all {
			n = 0
		} else if n <= 0 {
			return fmt.Errorf("--steps must be positive, use --all to revert everything")
		}
		if err := mg.Down(ctx, n); err != nil {
			return err
		}
	case "version":
	default:
		printMigrateUsage()
		return fmt.Errorf("unknown migrate subcommand %q", sub)
	}

	version, dirty, ok, err := mg.Version()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No migrations applied")
		return nil
	}
	fmt.Printf("Schema version: %d (dirty: %t)\n", version, dirty)
	return nil
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Usage:
  retrogate-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Revert migrations (--steps N, or --all)
  version   Show the current migration version and dirty state
`)
}
