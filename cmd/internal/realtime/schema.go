package realtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "huddle"

// SchemaSQL returns the DDL for rooms, memberships and messages in schema.
// It references the users table owned by the identity store, which must exist first.
func SchemaSQL(schema string) string {
	users := pgIdent(schema, "users")
	rooms := pgIdent(schema, "rooms")
	members := pgIdent(schema, "room_members")
	cursors := pgIdent(schema, "room_cursors")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[2]s (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  is_private BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[3]s (
  room_id   TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  user_id   TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_room_members_user
  ON %[3]s (user_id, joined_at);

CREATE TABLE IF NOT EXISTS %[4]s (
  room_id  TEXT PRIMARY KEY REFERENCES %[2]s(id) ON DELETE CASCADE,
  next_seq BIGINT NOT NULL DEFAULT 1,
  last_ts  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[5]s (
  id            TEXT PRIMARY KEY,
  room_id       TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  seq           BIGINT NOT NULL,
  client_msg_id TEXT NULL,
  sender_id     TEXT NULL REFERENCES %[1]s(id) ON DELETE SET NULL,
  content       TEXT NULL,
  message_type  TEXT NOT NULL CHECK (message_type IN ('text', 'image')),
  media_ref     TEXT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_read       BOOLEAN NOT NULL DEFAULT false,

  CONSTRAINT uq_messages_room_seq UNIQUE (room_id, seq),
  CONSTRAINT uq_messages_room_client_msg UNIQUE (room_id, client_msg_id),
  CONSTRAINT chk_messages_content_len CHECK (content IS NULL OR char_length(content) <= 4000),
  CONSTRAINT chk_messages_body CHECK (
    (message_type = 'text' AND content IS NOT NULL) OR
    (message_type = 'image' AND media_ref IS NOT NULL)
  )
);
`, users, rooms, members, cursors, messages)
}

// ApplySchema creates the realtime tables in schema if they do not exist.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema, err := validSchema(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		return fmt.Errorf("realtime: apply schema: %w", err)
	}
	return nil
}
