package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"huddle/cmd/identity/ids"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements Store and MembershipStore with the same semantics as the
// Postgres stores.
type InMemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]*memRoom
	members map[string]map[string]time.Time // user_id -> room_id -> joined_at

	// retain bounds each room's history; client_msg_id keys expire with the
	// messages they point at.
	retain int
}

type memRoom struct {
	room   Room
	seq    int64
	lastTS time.Time
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms:   make(map[string]*memRoom),
		members: make(map[string]map[string]time.Time),
		retain:  memMaxMessagesPerRoom,
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateRoom inserts a room or returns ErrRoomExists.
func (s *InMemoryStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; ok {
		return Room{}, ErrRoomExists
	}
	r := Room{ID: id, Name: name, IsPrivate: in.IsPrivate, CreatedAt: now}
	s.rooms[id] = &memRoom{
		room:   r,
		dedupe: make(map[string]Message),
		msgs:   make([]Message, 0, 64),
	}
	return r, nil
}

// GetRoom returns a room or ErrRoomNotFound.
func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[strings.TrimSpace(roomID)]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r.room, nil
}

// ListRooms returns public rooms plus private rooms the viewer belongs to, oldest first.
func (s *InMemoryStore) ListRooms(ctx context.Context, in ListRoomsInput) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampRoomsLimit(in.Limit)

	s.mu.Lock()
	mine := s.members[in.ViewerID]
	out := make([]Room, 0, len(s.rooms))
	for id, r := range s.rooms {
		if r.room.IsPrivate {
			if _, ok := mine[id]; !ok {
				continue
			}
		}
		out = append(out, r.room)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMessage persists a message with idempotency, monotonic sequence and
// non-decreasing created_at allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
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

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		return AppendMessageResult{}, ErrRoomNotFound
	}

	if in.ClientMsgID != "" {
		if existing, ok := r.dedupe[in.ClientMsgID]; ok {
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
	}

	if now.Before(r.lastTS) {
		now = r.lastTS
	}
	r.lastTS = now
	r.seq++

	msg := Message{
		ID:          id,
		RoomID:      in.RoomID,
		Seq:         r.seq,
		ClientMsgID: in.ClientMsgID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		Type:        in.Type,
		MediaRef:    in.MediaRef,
		CreatedAt:   now,
	}
	if in.ClientMsgID != "" {
		r.dedupe[in.ClientMsgID] = msg
	}
	r.msgs = append(r.msgs, msg)

	if over := len(r.msgs) - s.retain; over > 0 {
		for _, old := range r.msgs[:over] {
			if old.ClientMsgID != "" {
				delete(r.dedupe, old.ClientMsgID)
			}
		}
		r.msgs = r.msgs[over:]
	}

	return AppendMessageResult{Stored: msg}, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.RoomID == "" {
		return FetchHistoryResult{}, errors.New("missing room id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	r := s.rooms[in.RoomID]
	var snap []Message
	if r != nil {
		snap = append([]Message(nil), r.msgs...)
	}
	s.mu.Unlock()

	if r == nil {
		return FetchHistoryResult{}, ErrRoomNotFound
	}
	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchHistoryResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

// AddMember creates the (user, room) relation if absent.
func (s *InMemoryStore) AddMember(ctx context.Context, userID, roomID string, now time.Time) (bool, error) {
	if userID == "" || roomID == "" {
		return false, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return false, ErrRoomNotFound
	}
	mine := s.members[userID]
	if mine == nil {
		mine = make(map[string]time.Time)
		s.members[userID] = mine
	}
	if _, ok := mine[roomID]; ok {
		return false, nil
	}
	mine[roomID] = now
	return true, nil
}

// RemoveMember deletes the (user, room) relation if present.
func (s *InMemoryStore) RemoveMember(ctx context.Context, userID, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mine := s.members[userID]
	if _, ok := mine[roomID]; !ok {
		return false, nil
	}
	delete(mine, roomID)
	if len(mine) == 0 {
		delete(s.members, userID)
	}
	return true, nil
}

// ListMemberships returns the user's memberships ordered by join time.
func (s *InMemoryStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Membership, 0, len(s.members[userID]))
	for roomID, at := range s.members[userID] {
		out = append(out, Membership{UserID: userID, RoomID: roomID, JoinedAt: at})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// IsMember reports whether userID belongs to roomID.
func (s *InMemoryStore) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[userID][roomID]
	return ok, nil
}
