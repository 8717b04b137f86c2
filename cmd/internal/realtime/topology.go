package realtime

import (
	"sort"
	"sync"
)

// roomEntry is one room's live fan-out set.
// dead marks an entry that was emptied and retired from the index.
type roomEntry struct {
	mu      sync.Mutex
	members map[*Client]struct{}
	dead    bool
}

// Topology is the live fan-out graph: room id -> subscribed session handles.
//
// Subscriptions go through the Registry so a session's joined-room set and
// the room sets change under the same session lock (lock order: session,
// then room). Rooms are independent: each entry has its own mutex.
type Topology struct {
	reg     *Registry
	rooms   sync.Map // room id -> *roomEntry
	metrics *Metrics
}

// NewTopology attaches a Topology to reg. A Registry carries at most one Topology.
func NewTopology(reg *Registry, metrics *Metrics) *Topology {
	t := &Topology{reg: reg, metrics: metrics}
	reg.observer = t
	return t
}

// Subscribe adds the session to roomID's fan-out set and records the join
// in the Registry. It reports false if the session was already subscribed.
func (t *Topology) Subscribe(sessionID, roomID string) (bool, error) {
	return t.reg.RecordJoin(sessionID, roomID)
}

// Unsubscribe is the inverse of Subscribe.
func (t *Topology) Unsubscribe(sessionID, roomID string) (bool, error) {
	return t.reg.RecordLeave(sessionID, roomID)
}

// DropSession closes the session, removing it from every room it joined.
func (t *Topology) DropSession(sessionID string) []string {
	return t.reg.Close(sessionID)
}

// FanoutSet returns a snapshot of the handles subscribed to roomID.
func (t *Topology) FanoutSet(roomID string) []*Client {
	v, ok := t.rooms.Load(roomID)
	if !ok {
		return nil
	}
	e := v.(*roomEntry)

	e.mu.Lock()
	out := make([]*Client, 0, len(e.members))
	for c := range e.members {
		out = append(out, c)
	}
	e.mu.Unlock()
	return out
}

// Subscribers returns the sorted session ids subscribed to roomID.
func (t *Topology) Subscribers(roomID string) []string {
	set := t.FanoutSet(roomID)
	out := make([]string, 0, len(set))
	for _, c := range set {
		out = append(out, c.SessionID)
	}
	sort.Strings(out)
	return out
}

// ActiveRooms returns the number of rooms with at least one subscriber.
func (t *Topology) ActiveRooms() int {
	n := 0
	t.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// added is called by the Registry with the session lock held.
func (t *Topology) added(roomID string, c *Client) {
	for {
		v, ok := t.rooms.Load(roomID)
		if !ok {
			v, _ = t.rooms.LoadOrStore(roomID, &roomEntry{members: make(map[*Client]struct{})})
		}
		e := v.(*roomEntry)

		e.mu.Lock()
		if e.dead {
			// Lost a race with the last subscriber leaving; the index no
			// longer points at e, so retry against a fresh entry.
			e.mu.Unlock()
			continue
		}
		e.members[c] = struct{}{}
		e.mu.Unlock()

		t.metrics.subscriptionAdded()
		return
	}
}

// removed is called by the Registry with the session lock held.
func (t *Topology) removed(roomID string, c *Client) {
	v, ok := t.rooms.Load(roomID)
	if !ok {
		return
	}
	e := v.(*roomEntry)

	e.mu.Lock()
	if _, ok := e.members[c]; ok {
		delete(e.members, c)
		t.metrics.subscriptionRemoved()
	}
	if len(e.members) == 0 && !e.dead {
		e.dead = true
		t.rooms.CompareAndDelete(roomID, e)
	}
	e.mu.Unlock()
}
