package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/retrogate/retrogate/consts"
)

func runAddUser(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("add-user")
	user := fs.String("user", "", "Account name (required)")
	password := fs.String("password", "", "Account password (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *password == "" {
		fs.Usage()
		return fmt.Errorf("--user and --password are required")
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

	id, err := database.CreateUser(ctx, *user, *password)
	if errors.Is(err, consts.ErrUserExists) {
		return fmt.Errorf("account %s already exists", *user)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Created account %s (id %d)\n", *user, id)
	return nil
}

func runPasswd(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("passwd")
	user := fs.String("user", "", "Account name (required)")
	password := fs.String("password", "", "New password (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *password == "" {
		fs.Usage()
		return fmt.Errorf("--user and --password are required")
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

	if err := database.SetPassword(ctx, *user, *password); err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return fmt.Errorf("account %s not found", *user)
		}
		return err
	}
	fmt.Printf("Password updated for %s\n", *user)
	return nil
}
