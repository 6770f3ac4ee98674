// Package main implements a one-shot seed command that provisions a team
// and its first operator directly in the ShutterSense database. It lives
// inside the server module so it can access server/internal/* packages.
//
// Usage (from monorepo root):
//
//	go run ./server/cmd/seed \
//	  --team "Studio North" \
//	  --email admin@example.com \
//	  --password secret \
//	  --name "Admin User" \
//	  --role admin
//
// Environment variables:
//
//	SHUTTERSENSE_DB_DSN      SQLite file path or Postgres DSN (default: ./shuttersense.db)
//	SHUTTERSENSE_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	team := flag.String("team", "", "Team name (required; created if it does not exist)")
	email := flag.String("email", "", "Operator email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Admin User", "Display name")
	role := flag.String("role", "admin", "Role: admin or operator")
	driver := flag.String("db-driver", envOrDefault("SHUTTERSENSE_DB_DRIVER", "sqlite"), "Database driver: sqlite or postgres")
	flag.Parse()

	if *team == "" {
		return fmt.Errorf("--team is required")
	}
	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	switch types.UserRole(*role) {
	case types.UserRoleAdmin, types.UserRoleOperator:
	default:
		return fmt.Errorf("--role must be 'admin' or 'operator'")
	}

	dsn := envOrDefault("SHUTTERSENSE_DB_DSN", "./shuttersense.db")

	secretKey := os.Getenv("SHUTTERSENSE_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"SHUTTERSENSE_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted password will be unreadable at login time.",
		)
	}

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   *driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	repos := repositories.New(database)
	ctx := context.Background()

	teamRow, err := repos.Teams.GetByName(ctx, *team)
	switch {
	case err == nil:
		fmt.Printf("· Team %q already exists (%s)\n", teamRow.Name, teamRow.ID)
	case errors.Is(err, repositories.ErrNotFound):
		teamRow = &db.Team{Name: *team}
		if err := repos.Teams.Create(ctx, teamRow); err != nil {
			return fmt.Errorf("create team: %w", err)
		}
		fmt.Printf("✓ Team created: %s (%s)\n", teamRow.Name, teamRow.ID)
	default:
		return fmt.Errorf("look up team: %w", err)
	}

	user := &db.User{
		TeamID:      teamRow.ID,
		Email:       *email,
		DisplayName: *name,
		Password:    db.EncryptedString(hashed),
		Type:        string(types.UserTypeHuman),
		Role:        *role,
		IsActive:    true,
	}

	if err := repos.Users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Team:  %s\n", teamRow.Name)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.DisplayName)
	fmt.Printf("  Role:  %s\n", user.Role)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
