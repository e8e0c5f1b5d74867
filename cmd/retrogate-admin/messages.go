package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/retrogate/retrogate/db"
)

func runDeliver(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("deliver")
	user := fs.String("user", "", "Recipient account (required)")
	file := fs.String("file", "", "RFC 5322 message file, - for stdin (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *file == "" {
		fs.Usage()
		return fmt.Errorf("--user and --file are required")
	}

	data, err := readInput(*file)
	if err != nil {
		return err
	}
	header, err := db.ParseHeader(data)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	id, err := database.InsertMessage(ctx, *user, data)
	if err != nil {
		return err
	}
	fmt.Printf("Delivered message %d to %s (%d bytes, subject %q)\n", id, *user, len(data), header.Subject)
	return nil
}

func runPurgeDeleted(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("purge-deleted")
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "Only purge messages deleted at least this long ago")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := database.PurgeDeleted(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d messages\n", n)
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
