package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMembershipStore persists memberships in room_members.
type PostgresMembershipStore struct {
	pool   *pgxpool.Pool
	schema string
}

// MembershipOption configures PostgresMembershipStore behavior.
type MembershipOption func(*PostgresMembershipStore) error

// WithMembershipSchema sets the DB schema used by the membership store (default: "huddle").
func WithMembershipSchema(schema string) MembershipOption {
	return func(s *PostgresMembershipStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresMembershipStore constructs a membership store backed by PostgreSQL.
func NewPostgresMembershipStore(pool *pgxpool.Pool, opts ...MembershipOption) (*PostgresMembershipStore, error) {
	st := &PostgresMembershipStore{
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

// AddMember creates the (user, room) relation if absent.
// A missing room surfaces as ErrRoomNotFound.
// Constraint names are the Postgres defaults (room_members_room_id_fkey).
func (s *PostgresMembershipStore) AddMember(ctx context.Context, userID, roomID string, now time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil membership store")
	}
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return false, errors.New("invalid input")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	members := pgIdent(s.schema, "room_members")
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+members+` (room_id, user_id, joined_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID, now,
	)
	if err != nil {
		if c, ok := foreignKeyConstraint(err); ok {
			if strings.Contains(c, "room_id") {
				return false, ErrRoomNotFound
			}
			return false, fmt.Errorf("add member: unknown user: %w", err)
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveMember deletes the (user, room) relation if present.
func (s *PostgresMembershipStore) RemoveMember(ctx context.Context, userID, roomID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil membership store")
	}
	members := pgIdent(s.schema, "room_members")
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		strings.TrimSpace(roomID), strings.TrimSpace(userID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListMemberships returns the user's memberships ordered by join time.
func (s *PostgresMembershipStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil membership store")
	}
	members := pgIdent(s.schema, "room_members")
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, room_id, joined_at FROM `+members+`
		  WHERE user_id = $1
		  ORDER BY joined_at ASC, room_id ASC`,
		strings.TrimSpace(userID),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Membership])
}

// IsMember checks if userID is a member of roomID.
func (s *PostgresMembershipStore) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil membership store")
	}
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "room_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
