package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"huddle/cmd/identity"
	"huddle/cmd/internal/auth"
	v1 "huddle/contracts/realtime/v1"
)

// staticVerifier maps credentials to identities.
type staticVerifier map[string]auth.Identity

func (v staticVerifier) Verify(_ context.Context, credential string) (auth.Identity, error) {
	id, ok := v[credential]
	if !ok {
		return auth.Identity{}, auth.ErrAuthFailure
	}
	return id, nil
}

type harnessConfig struct {
	autoCreate bool
	members    MembershipStore
	messages   Store
	clock      func() time.Time
	relay      Relay
}

type harness struct {
	log     *slog.Logger
	store   *InMemoryStore
	users   *identity.MemoryStore
	metrics *Metrics
	reg     *Registry
	topo    *Topology
	dir     *Directory
	pipe    *Pipeline
	engine  *Engine
}

var (
	alice = auth.Identity{UserID: "u-alice", DisplayName: "Alice"}
	bob   = auth.Identity{UserID: "u-bob", DisplayName: "bob"}
	carol = auth.Identity{UserID: "u-carol", DisplayName: "carol"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()

	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		log:     testLogger(),
		store:   NewInMemoryStore(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	displayAlice := "Alice"
	h.users = identity.NewMemoryStore(
		identity.User{ID: alice.UserID, Username: "alice", DisplayName: &displayAlice},
		identity.User{ID: bob.UserID, Username: "bob"},
		identity.User{ID: carol.UserID, Username: "carol"},
	)

	members := cfg.members
	if members == nil {
		members = h.store
	}

	var pipeOpts []PipelineOption
	if cfg.clock != nil {
		pipeOpts = append(pipeOpts, WithPipelineClock(cfg.clock))
	}
	if cfg.relay != nil {
		pipeOpts = append(pipeOpts, WithRelay(cfg.relay))
	}

	h.reg = NewRegistry(h.metrics)
	h.topo = NewTopology(h.reg, h.metrics)
	h.dir = NewDirectory(h.log, members)
	h.dir.backoff = time.Millisecond
	var messages Store = h.store
	if cfg.messages != nil {
		messages = cfg.messages
	}
	h.pipe = NewPipeline(h.log, h.topo, messages, h.users, h.metrics, pipeOpts...)
	h.engine = NewEngine(EngineConfig{
		Log: h.log,
		Verifier: staticVerifier{
			"tok-alice": alice,
			"tok-bob":   bob,
			"tok-carol": carol,
		},
		Topology:        h.topo,
		Dir:             h.dir,
		Pipeline:        h.pipe,
		Store:           h.store,
		Metrics:         h.metrics,
		AutoCreateRooms: cfg.autoCreate,
	})

	if _, err := h.store.CreateRoom(context.Background(), CreateRoomInput{ID: "general", Name: "General"}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return h
}

func (h *harness) connect(t *testing.T, credential string) (*Client, string) {
	t.Helper()
	c := NewClient(256)
	sessionID, err := h.engine.Connect(context.Background(), c, credential)
	if err != nil {
		t.Fatalf("connect %q: %v", credential, err)
	}
	return c, sessionID
}

func (h *harness) join(t *testing.T, sessionID, roomID string) JoinResult {
	t.Helper()
	res, err := h.engine.Join(context.Background(), sessionID, roomID)
	if err != nil {
		t.Fatalf("join %s: %v", roomID, err)
	}
	return res
}

func text(s string) *string { return &s }

// drain returns every envelope currently queued on c.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
