package realtime

import (
	"context"
	"time"
)

// Store persists rooms and messages.
//
// Requirements:
//   - AppendMessage fails with ErrRoomNotFound for unknown rooms and persists nothing
//   - Monotonic seq per room, no gaps for idempotent retries
//   - created_at non-decreasing per room, in seq order
//   - History query ordered by seq ASC
type Store interface {
	CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	ListRooms(ctx context.Context, in ListRoomsInput) ([]Room, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// MembershipStore persists the durable (user, room) relation.
type MembershipStore interface {
	// AddMember creates the relation if absent and reports whether it did.
	AddMember(ctx context.Context, userID, roomID string, now time.Time) (bool, error)
	// RemoveMember deletes the relation if present and reports whether it did.
	RemoveMember(ctx context.Context, userID, roomID string) (bool, error)
	// ListMemberships returns a user's memberships ordered by join time.
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
	// IsMember reports whether userID belongs to roomID.
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// CreateRoomInput describes a room to create. Empty ID is rejected.
type CreateRoomInput struct {
	ID        string
	Name      string
	IsPrivate bool
	Now       time.Time
}

// ListRoomsInput filters ListRooms. Private rooms are listed only for their members.
type ListRoomsInput struct {
	ViewerID string
	Limit    int
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	RoomID      string
	ClientMsgID string
	SenderID    *string
	Type        MessageType
	Content     *string
	MediaRef    *string
	Now         time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     Message
	Duplicated bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []Message
	HasMore  bool
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func clampRoomsLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 500
	}
	return limit
}
