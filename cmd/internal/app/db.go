package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"huddle/cmd/identity"
	"huddle/cmd/internal/realtime"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// migrate applies the users table first; the realtime tables reference it.
func migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := identity.ApplySchema(ctx, pool, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := realtime.ApplySchema(ctx, pool, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// seedPostgresUsers inserts dev users, skipping ids or usernames already taken.
func seedPostgresUsers(ctx context.Context, log Logger, store *identity.PostgresStore, users []identity.User) error {
	for _, u := range users {
		_, err := store.CreateUser(ctx, identity.CreateUserInput{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
		if identity.IsConflict(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		log.Info("db.seed.user", "user_id", u.ID)
	}
	return nil
}
