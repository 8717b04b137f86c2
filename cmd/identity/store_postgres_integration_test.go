package identity

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle/cmd/identity/ids"
)

// Opt-in: set HUDDLE_DATABASE_URL. Outside CI an unreachable server skips.
func TestPostgresStore(t *testing.T) {
	t.Parallel()

	s := newPostgresFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("create then get trims display name", func(t *testing.T) {
		display := "  Navid  "
		created, err := s.CreateUser(ctx, CreateUserInput{
			ID:          ids.MustULID(time.Now()),
			Username:    " navid ",
			DisplayName: &display,
		})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		got, err := s.GetUser(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if got.Username != "navid" || got.Name() != "Navid" || got.CreatedAt.IsZero() {
			t.Fatalf("unexpected user: %+v", got)
		}
	})

	t.Run("blank display name stored as null", func(t *testing.T) {
		blank := "   "
		created, err := s.CreateUser(ctx, CreateUserInput{ID: ids.MustULID(time.Now()), Username: "nameless", DisplayName: &blank})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		got, err := s.GetUser(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if got.DisplayName != nil || got.Name() != "nameless" {
			t.Fatalf("expected username fallback, got %+v", got)
		}
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		if _, err := s.CreateUser(ctx, CreateUserInput{ID: ids.MustULID(time.Now()), Username: "dup"}); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		_, err := s.CreateUser(ctx, CreateUserInput{ID: ids.MustULID(time.Now()), Username: "dup"})
		var ie *Error
		if !IsConflict(err) || !errors.As(err, &ie) || ie.Detail != "username" {
			t.Fatalf("expected username conflict, got %v", err)
		}
	})

	t.Run("missing and blank ids", func(t *testing.T) {
		if _, err := s.GetUser(ctx, ids.MustULID(time.Now())); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := s.GetUser(ctx, " "); !IsInvalidInput(err) {
			t.Fatalf("expected invalid input, got %v", err)
		}
		if _, err := s.CreateUser(ctx, CreateUserInput{ID: ids.MustULID(time.Now())}); !IsInvalidInput(err) {
			t.Fatalf("expected invalid input for missing username, got %v", err)
		}
	})
}

// newPostgresFixture returns a store bound to a fresh schema that is dropped
// when the test ends.
func newPostgresFixture(t *testing.T) *PostgresStore {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HUDDLE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HUDDLE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}

	schema := "huddle_it_" + strings.ToLower(ids.MustULID(time.Now()))
	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return s
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "deadline exceeded", "timeout", "dial tcp", "no such host"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
