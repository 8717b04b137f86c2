package realtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"huddle/cmd/identity/ids"
	"huddle/cmd/internal/auth"
)

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	SessionID string
	Identity  auth.Identity
	Rooms     []string
	OpenedAt  time.Time
}

// roomObserver is told about every change to a session's joined-room set
// while the session lock is held. Topology is the only implementation.
type roomObserver interface {
	added(roomID string, c *Client)
	removed(roomID string, c *Client)
}

type session struct {
	mu       sync.Mutex
	id       string
	handle   *Client
	ident    auth.Identity
	rooms    map[string]struct{}
	openedAt time.Time
	closed   bool
}

// Registry is the process-wide table of live sessions.
//
// Each session has its own mutex, so mutations of one session's joined-room
// set are serialized while different sessions never contend.
type Registry struct {
	sessions sync.Map // session id -> *session
	handles  sync.Map // *Client -> session id

	observer roomObserver
	metrics  *Metrics
	now      func() time.Time
}

// NewRegistry constructs an empty Registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Open binds handle to id and returns a fresh session id.
// It fails with ErrDuplicateHandle if handle already has a live session.
func (r *Registry) Open(handle *Client, id auth.Identity) (string, error) {
	if handle == nil {
		return "", errors.New("realtime: nil handle")
	}
	if id.UserID == "" {
		return "", errors.New("realtime: empty identity")
	}

	now := r.now()
	sessionID, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}

	if _, loaded := r.handles.LoadOrStore(handle, sessionID); loaded {
		return "", ErrDuplicateHandle
	}

	handle.SessionID = sessionID
	handle.UserID = id.UserID

	r.sessions.Store(sessionID, &session{
		id:       sessionID,
		handle:   handle,
		ident:    id,
		rooms:    make(map[string]struct{}),
		openedAt: now,
	})
	r.metrics.sessionOpened()
	return sessionID, nil
}

// Close ends a session and returns the rooms it had joined, sorted.
// The session is removed from every room's fan-out set before Close returns.
// Closing an unknown or already closed session is a no-op.
func (r *Registry) Close(sessionID string) []string {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rooms := sortedRooms(s.rooms)
	for _, roomID := range rooms {
		delete(s.rooms, roomID)
		if r.observer != nil {
			r.observer.removed(roomID, s.handle)
		}
	}
	s.mu.Unlock()

	r.sessions.Delete(sessionID)
	r.handles.CompareAndDelete(s.handle, sessionID)
	r.metrics.sessionClosed()
	return rooms
}

// Get returns the identity and joined rooms of a live session.
func (r *Registry) Get(sessionID string) (SessionInfo, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return SessionInfo{}, ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionInfo{}, ErrSessionClosed
	}
	return SessionInfo{
		SessionID: s.id,
		Identity:  s.ident,
		Rooms:     sortedRooms(s.rooms),
		OpenedAt:  s.openedAt,
	}, nil
}

// RecordJoin adds roomID to the session's joined set and reports whether it was absent.
func (r *Registry) RecordJoin(sessionID, roomID string) (bool, error) {
	return r.mutate(sessionID, func(s *session) bool {
		if _, ok := s.rooms[roomID]; ok {
			return false
		}
		s.rooms[roomID] = struct{}{}
		if r.observer != nil {
			r.observer.added(roomID, s.handle)
		}
		return true
	})
}

// RecordLeave removes roomID from the session's joined set and reports whether it was present.
func (r *Registry) RecordLeave(sessionID, roomID string) (bool, error) {
	return r.mutate(sessionID, func(s *session) bool {
		if _, ok := s.rooms[roomID]; !ok {
			return false
		}
		delete(s.rooms, roomID)
		if r.observer != nil {
			r.observer.removed(roomID, s.handle)
		}
		return true
	})
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) mutate(sessionID string, fn func(*session) bool) (bool, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return false, ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionClosed
	}
	return fn(s), nil
}

func (r *Registry) lookup(sessionID string) (*session, bool) {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

func sortedRooms(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
