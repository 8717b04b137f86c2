package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"huddle/cmd/identity"
	"huddle/cmd/internal/auth"
	"huddle/cmd/internal/realtime"
	v1 "huddle/contracts/realtime/v1"
)

type tokenAuth map[string]auth.Identity

func (a tokenAuth) Authenticate(_ context.Context, credential string) (auth.Identity, error) {
	id, ok := a[credential]
	if !ok {
		return auth.Identity{}, auth.ErrAuthFailure
	}
	return id, nil
}

type apiFixture struct {
	srv   *httptest.Server
	store *realtime.InMemoryStore
	reg   *realtime.Registry
	topo  *realtime.Topology
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIFixtureWith(t, Config{MaxBodyBytes: 1 << 16, RoomsLimit: 50})
}

func newAPIFixtureWith(t *testing.T, cfg Config) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := realtime.NewInMemoryStore()
	users := identity.NewMemoryStore(
		identity.User{ID: "u-alice", Username: "alice"},
		identity.User{ID: "u-bob", Username: "bob"},
	)
	metrics := realtime.NewMetrics(prometheus.NewRegistry())
	reg := realtime.NewRegistry(metrics)
	topo := realtime.NewTopology(reg, metrics)
	dir := realtime.NewDirectory(log, store)
	pipe := realtime.NewPipeline(log, topo, store, users, metrics)

	h, err := NewHandler(cfg, Deps{
		Log: log,
		Auth: tokenAuth{
			"tok-alice": {UserID: "u-alice", DisplayName: "alice"},
			"tok-bob":   {UserID: "u-bob", DisplayName: "bob"},
		},
		Store:    store,
		Dir:      dir,
		Pipeline: pipe,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: store, reg: reg, topo: topo}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPI_RequiresBearer(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var e errorResponse
	if code := f.do(t, http.MethodGet, "/api/rooms", "", nil, &e); code != http.StatusUnauthorized || e.Error.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %+v", code, e)
	}
	if code := f.do(t, http.MethodGet, "/api/rooms", "nope", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", code)
	}
}

func TestAPI_ThrottlesRepeatedAuthFailures(t *testing.T) {
	t.Parallel()
	f := newAPIFixtureWith(t, Config{MaxBodyBytes: 1 << 16, RoomsLimit: 50, AuthFailMax: 2, AuthFailWindow: time.Minute})

	for i := 0; i < 2; i++ {
		if code := f.do(t, http.MethodGet, "/api/rooms", "bad", nil, nil); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, code)
		}
	}
	var e errorResponse
	if code := f.do(t, http.MethodGet, "/api/rooms", "tok-alice", nil, &e); code != http.StatusTooManyRequests || e.Error.Code != "rate_limited" {
		t.Fatalf("expected 429 rate_limited even with a good token, got %d %+v", code, e)
	}
}

func TestAPI_PrivateRoomLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var room roomResponse
	if code := f.do(t, http.MethodPost, "/api/rooms", "tok-alice", createRoomRequest{Name: "secret", IsPrivate: true}, &room); code != http.StatusCreated {
		t.Fatalf("create room: %d", code)
	}
	if len(room.ID) != 36 || !room.IsPrivate {
		t.Fatalf("unexpected room: %+v", room)
	}

	if code := f.do(t, http.MethodGet, "/api/rooms/"+room.ID, "tok-alice", nil, nil); code != http.StatusOK {
		t.Fatalf("creator must see private room, got %d", code)
	}
	if code := f.do(t, http.MethodGet, "/api/rooms/"+room.ID, "tok-bob", nil, nil); code != http.StatusNotFound {
		t.Fatalf("non-member must get 404, got %d", code)
	}

	var list roomsResponse
	f.do(t, http.MethodGet, "/api/rooms", "tok-bob", nil, &list)
	if len(list.Rooms) != 0 {
		t.Fatalf("non-member listing: %+v", list)
	}

	var joined joinResponse
	if code := f.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", "tok-bob", nil, &joined); code != http.StatusOK || !joined.Created {
		t.Fatalf("join: %d %+v", code, joined)
	}
	f.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/join", "tok-bob", nil, &joined)
	if joined.Created {
		t.Fatalf("second join must not create a membership")
	}
	f.do(t, http.MethodGet, "/api/rooms", "tok-bob", nil, &list)
	if len(list.Rooms) != 1 {
		t.Fatalf("member listing: %+v", list)
	}

	var left leaveResponse
	if code := f.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/leave", "tok-bob", nil, &left); code != http.StatusOK || !left.Removed {
		t.Fatalf("leave: %d %+v", code, left)
	}
	if code := f.do(t, http.MethodPost, "/api/rooms/ghost/join", "tok-bob", nil, nil); code != http.StatusNotFound {
		t.Fatalf("join ghost: %d", code)
	}
}

func TestAPI_PostMessageFansOutToLiveSessions(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	if _, err := f.store.CreateRoom(context.Background(), realtime.CreateRoomInput{ID: "general"}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	live := realtime.NewClient(16)
	sid, err := f.reg.Open(live, auth.Identity{UserID: "u-bob", DisplayName: "bob"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.topo.Subscribe(sid, "general"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	content := "from http"
	req := v1.MessageSendPayload{RoomID: "general", Content: &content, ClientMsgID: "c-1"}

	var created messageResponse
	if code := f.do(t, http.MethodPost, "/api/messages", "tok-alice", req, &created); code != http.StatusCreated {
		t.Fatalf("post message: %d", code)
	}
	if created.Message.Seq != 1 || created.Message.Sender == nil || created.Message.Sender.ID != "u-alice" {
		t.Fatalf("unexpected message: %+v", created.Message)
	}

	select {
	case env := <-live.Send:
		var got v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != v1.TypeMessageNew || got.ID != created.Message.ID {
			t.Fatalf("unexpected delivery: %s %+v", env.Type, got)
		}
	default:
		t.Fatalf("live subscriber got nothing")
	}

	var dup messageResponse
	if code := f.do(t, http.MethodPost, "/api/messages", "tok-alice", req, &dup); code != http.StatusOK || !dup.Duplicated || dup.Message.ID != created.Message.ID {
		t.Fatalf("retry: %d %+v", code, dup)
	}
	if len(live.Send) != 0 {
		t.Fatalf("duplicate must not be re-broadcast")
	}

	var chunk v1.RoomHistoryChunkPayload
	if code := f.do(t, http.MethodGet, "/api/messages?room=general&after_seq=0&limit=10", "tok-bob", nil, &chunk); code != http.StatusOK {
		t.Fatalf("history: %d", code)
	}
	if len(chunk.Messages) != 1 || chunk.Messages[0].ID != created.Message.ID {
		t.Fatalf("history: %+v", chunk)
	}
}

func TestAPI_PostMessageValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	if _, err := f.store.CreateRoom(context.Background(), realtime.CreateRoomInput{ID: "general"}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	empty := ""
	cases := []struct {
		name string
		body any
		want int
	}{
		{"empty content", v1.MessageSendPayload{RoomID: "general", Content: &empty}, http.StatusBadRequest},
		{"missing room", map[string]string{"content": "hi"}, http.StatusBadRequest},
		{"unknown field", map[string]string{"room": "general", "text": "hi"}, http.StatusBadRequest},
		{"image without ref", v1.MessageSendPayload{RoomID: "general", Type: "image"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if code := f.do(t, http.MethodPost, "/api/messages", "tok-alice", tc.body, nil); code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, code)
		}
	}

	hi := "hi"
	var e errorResponse
	if code := f.do(t, http.MethodPost, "/api/messages", "tok-alice", v1.MessageSendPayload{RoomID: "ghost", Content: &hi}, &e); code != http.StatusNotFound || e.Error.Code != "room_not_found" {
		t.Fatalf("ghost room: %d %+v", code, e)
	}
	if code := f.do(t, http.MethodGet, "/api/messages?room=general&limit=x", "tok-alice", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}
}
