// Package realtime contains Huddle's room-scoped realtime core: the session
// registry, room topology, membership directory, broadcast pipeline, their
// persistence, and the WebSocket gateway that drives them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic seq and non-decreasing created_at under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "huddle").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateRoom inserts a room or returns ErrRoomExists.
func (s *PostgresStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("realtime: nil store")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return Room{}, errors.New("missing room id")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = id
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rooms := pgIdent(s.schema, "rooms")
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+rooms+` (id, name, is_private, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		id, name, in.IsPrivate, now,
	)
	if err != nil {
		return Room{}, err
	}
	if tag.RowsAffected() == 0 {
		return Room{}, ErrRoomExists
	}
	return Room{ID: id, Name: name, IsPrivate: in.IsPrivate, CreatedAt: now}, nil
}

// GetRoom returns a room or ErrRoomNotFound.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("realtime: nil store")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return Room{}, ErrRoomNotFound
	}

	rooms := pgIdent(s.schema, "rooms")

	var r Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_private, created_at FROM `+rooms+` WHERE id = $1`,
		roomID,
	).Scan(&r.ID, &r.Name, &r.IsPrivate, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

// ListRooms returns public rooms plus private rooms the viewer belongs to, oldest first.
func (s *PostgresStore) ListRooms(ctx context.Context, in ListRoomsInput) ([]Room, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}

	rooms := pgIdent(s.schema, "rooms")
	members := pgIdent(s.schema, "room_members")

	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.name, r.is_private, r.created_at
		   FROM `+rooms+` r
		  WHERE NOT r.is_private
		     OR EXISTS (SELECT 1 FROM `+members+` m WHERE m.room_id = r.id AND m.user_id = $1)
		  ORDER BY r.created_at ASC, r.id ASC
		  LIMIT $2`,
		in.ViewerID, clampRoomsLimit(in.Limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Room, error) {
		var r Room
		err := row.Scan(&r.ID, &r.Name, &r.IsPrivate, &r.CreatedAt)
		return r, err
	})
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" || in.Type == "" {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")
	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per room so seq and created_at are allocated in
	// the same order. hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+rooms+` WHERE id = $1`, in.RoomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, ErrRoomNotFound
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.RoomID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	// Cursor row ensures monotonic seq and a non-decreasing clock per room.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq, last_ts)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID, now,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var (
		seq       int64
		createdAt time.Time
	)
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_ts = GREATEST(last_ts, $2)
		  WHERE room_id = $1
		RETURNING (next_seq - 1), last_ts`,
		in.RoomID, now,
	).Scan(&seq, &createdAt); err != nil {
		return AppendMessageResult{}, err
	}

	id, err := ids.NewULID(createdAt)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, room_id, seq, client_msg_id, sender_id, content, message_type, media_ref, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, in.RoomID, seq, nullIfEmpty(in.ClientMsgID), in.SenderID, in.Content, string(in.Type), in.MediaRef, createdAt,
	); err != nil {
		if isForeignKeyViolation(err) {
			// The sender row vanished between verification and persist.
			return AppendMessageResult{}, fmt.Errorf("insert message: unknown sender: %w", err)
		}
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := Message{
		ID:          id,
		RoomID:      in.RoomID,
		Seq:         seq,
		ClientMsgID: in.ClientMsgID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		Type:        in.Type,
		MediaRef:    in.MediaRef,
		CreatedAt:   createdAt,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out}, nil
}

const messageColumns = `id, room_id, seq, COALESCE(client_msg_id, ''), sender_id, content, message_type, media_ref, created_at, is_read`

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" {
		return FetchHistoryResult{}, errors.New("missing room id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE room_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.RoomID, after, fetch,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable string, roomID, clientMsgID string) (Message, error) {
	return scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messagesTable+`
		  WHERE room_id = $1 AND client_msg_id = $2`,
		roomID, clientMsgID,
	))
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m   Message
		typ string
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.Seq, &m.ClientMsgID, &m.SenderID, &m.Content, &typ, &m.MediaRef, &m.CreatedAt, &m.Read)
	m.Type = MessageType(typ)
	return m, err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isForeignKeyViolation(err error) bool {
	_, ok := foreignKeyConstraint(err)
	return ok
}

// foreignKeyConstraint returns the violated constraint name for 23503 errors.
func foreignKeyConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23503" {
		return "", false
	}
	return pgErr.ConstraintName, true
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func validSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("realtime: empty schema")
	}
	if !isValidPGIdent(schema) {
		return "", errors.New("realtime: invalid schema identifier")
	}
	return schema, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
