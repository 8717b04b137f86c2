package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaSQL returns the DDL for the users table in schema.
func SchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  username     TEXT NOT NULL,
  display_name TEXT NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_users_username UNIQUE (username)
);
`, pgx.Identifier{schema}.Sanitize(), pgIdent(schema, "users"))
}

// ApplySchema creates the schema and the users table if they do not exist.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if !pgIdentIsValid(schema) {
		return fmt.Errorf("identity: invalid schema identifier")
	}
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		return fmt.Errorf("identity: apply schema: %w", err)
	}
	return nil
}
