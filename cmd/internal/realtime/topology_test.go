package realtime

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTopology_SubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	topo := NewTopology(reg, nil)
	id, _ := reg.Open(NewClient(8), alice)

	added, err := topo.Subscribe(id, "general")
	if err != nil || !added {
		t.Fatalf("first subscribe: added=%v err=%v", added, err)
	}
	added, err = topo.Subscribe(id, "general")
	if err != nil || added {
		t.Fatalf("second subscribe: added=%v err=%v", added, err)
	}

	if got := topo.Subscribers("general"); !reflect.DeepEqual(got, []string{id}) {
		t.Fatalf("subscribers=%v", got)
	}
	info, _ := reg.Get(id)
	if !reflect.DeepEqual(info.Rooms, []string{"general"}) {
		t.Fatalf("registry rooms=%v", info.Rooms)
	}
}

func TestTopology_RegistryJoinFeedsFanout(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	topo := NewTopology(reg, nil)
	id, _ := reg.Open(NewClient(8), alice)

	if _, err := reg.RecordJoin(id, "general"); err != nil {
		t.Fatalf("RecordJoin: %v", err)
	}
	if got := topo.Subscribers("general"); !reflect.DeepEqual(got, []string{id}) {
		t.Fatalf("subscribers=%v", got)
	}
}

func TestTopology_DropSessionCleansEveryRoom(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry(m)
	topo := NewTopology(reg, m)

	a, _ := reg.Open(NewClient(8), alice)
	b, _ := reg.Open(NewClient(8), bob)
	for _, room := range []string{"r1", "r2", "r3"} {
		if _, err := topo.Subscribe(a, room); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := topo.Subscribe(b, "r2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rooms := topo.DropSession(a)
	if !reflect.DeepEqual(rooms, []string{"r1", "r2", "r3"}) {
		t.Fatalf("dropped rooms=%v", rooms)
	}

	for _, room := range []string{"r1", "r3"} {
		if got := topo.FanoutSet(room); len(got) != 0 {
			t.Fatalf("room %s still has %d subscribers", room, len(got))
		}
	}
	if got := topo.Subscribers("r2"); !reflect.DeepEqual(got, []string{b}) {
		t.Fatalf("r2 subscribers=%v", got)
	}
	if got := topo.ActiveRooms(); got != 1 {
		t.Fatalf("expected empty rooms to be retired, active=%d", got)
	}
	if got := testutil.ToFloat64(m.Subscriptions); got != 1 {
		t.Fatalf("subscriptions gauge=%v", got)
	}

	if _, err := topo.Subscribe(a, "r1"); err == nil {
		t.Fatalf("expected subscribe on dropped session to fail")
	}
}

func TestTopology_ConcurrentChurnKeepsInvariant(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	topo := NewTopology(reg, nil)

	const (
		sessions = 24
		rooms    = 6
		rounds   = 200
	)

	ids := make([]string, sessions)
	for i := range ids {
		id, err := reg.Open(NewClient(8), alice)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				room := fmt.Sprintf("room-%d", (i+r)%rooms)
				if (i+r)%3 == 0 {
					_, _ = topo.Unsubscribe(id, room)
				} else {
					_, _ = topo.Subscribe(id, room)
				}
				// Readers run concurrently with writers.
				_ = topo.FanoutSet(room)
			}
			if i%4 == 0 {
				topo.DropSession(id)
			}
		}(i, id)
	}
	wg.Wait()

	// A session is in a room's set iff the room is in the session's joined set.
	inRoom := make(map[string]map[string]bool)
	for r := 0; r < rooms; r++ {
		room := fmt.Sprintf("room-%d", r)
		for _, sid := range topo.Subscribers(room) {
			if inRoom[sid] == nil {
				inRoom[sid] = make(map[string]bool)
			}
			inRoom[sid][room] = true
		}
	}

	for i, id := range ids {
		info, err := reg.Get(id)
		if i%4 == 0 {
			if err == nil {
				t.Fatalf("dropped session %s still registered", id)
			}
			if len(inRoom[id]) != 0 {
				t.Fatalf("dropped session %s leaked into rooms %v", id, inRoom[id])
			}
			continue
		}
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if len(info.Rooms) != len(inRoom[id]) {
			t.Fatalf("session %s: registry rooms=%v topology rooms=%v", id, info.Rooms, inRoom[id])
		}
		for _, room := range info.Rooms {
			if !inRoom[id][room] {
				t.Fatalf("session %s joined %s but is not in its fan-out set", id, room)
			}
		}
	}
}
