package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a UserStore for dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(users ...User) *MemoryStore {
	s := &MemoryStore{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

// Put inserts or replaces a user.
func (s *MemoryStore) Put(u User) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// Delete removes a user. Messages they authored keep a nil sender.
func (s *MemoryStore) Delete(userID string) {
	s.mu.Lock()
	delete(s.users, userID)
	s.mu.Unlock()
}

// GetUser returns the user or an error matching ErrNotFound.
func (s *MemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalidInput(op, "missing user_id")
	}

	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return User{}, notFound(op)
	}
	return u, nil
}

// ParseSeedUsers parses "id:name,id:name" into users. Entries without a name
// use the id as username. Blank entries are skipped.
func ParseSeedUsers(raw string) []User {
	var out []User
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, _ := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		name = strings.TrimSpace(name)
		if id == "" {
			continue
		}
		if name == "" {
			name = id
		}
		out = append(out, User{ID: id, Username: name})
	}
	return out
}
