package realtime

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle/cmd/identity"
	"huddle/cmd/identity/ids"
)

// Integration tests are opt-in and require HUDDLE_DATABASE_URL.

type pgFixture struct {
	pool    *pgxpool.Pool
	schema  string
	store   *PostgresStore
	members *PostgresMembershipStore
	users   *identity.PostgresStore
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "huddle_rt_" + strings.ToLower(ids.MustULID(time.Now().UTC()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		_, _ = pool.Exec(dctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	if err := identity.ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply identity schema: %v", err)
	}
	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply realtime schema: %v", err)
	}

	f := &pgFixture{pool: pool, schema: schema}
	var err error
	if f.store, err = NewPostgresStore(pool, WithSchema(schema)); err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if f.members, err = NewPostgresMembershipStore(pool, WithMembershipSchema(schema)); err != nil {
		t.Fatalf("NewPostgresMembershipStore: %v", err)
	}
	if f.users, err = identity.NewPostgresStore(pool, identity.WithSchema(schema)); err != nil {
		t.Fatalf("identity.NewPostgresStore: %v", err)
	}
	return f
}

func (f *pgFixture) user(t *testing.T, username string) string {
	t.Helper()
	u, err := f.users.CreateUser(context.Background(), identity.CreateUserInput{
		ID:       ids.MustULID(time.Now().UTC()),
		Username: username,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u.ID
}

func (f *pgFixture) room(t *testing.T, id string, private bool) {
	t.Helper()
	if _, err := f.store.CreateRoom(context.Background(), CreateRoomInput{ID: id, IsPrivate: private}); err != nil {
		t.Fatalf("create room %s: %v", id, err)
	}
}

func TestPostgresStore_AppendSequenceAndClock(t *testing.T) {
	t.Parallel()
	f := newPGFixture(t)
	ctx := context.Background()

	uid := f.user(t, "alice")
	f.room(t, "general", false)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	var got []Message
	for _, ts := range stamps {
		res, err := f.store.AppendMessage(ctx, AppendMessageInput{
			RoomID: "general", SenderID: &uid, Type: MessageText, Content: text("x"), Now: ts,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		got = append(got, res.Stored)
	}

	for i, m := range got {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d: seq=%d", i, m.Seq)
		}
		if i > 0 && m.CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("created_at went backwards: %v < %v", m.CreatedAt, got[i-1].CreatedAt)
		}
	}
	if !got[1].CreatedAt.Equal(base) {
		t.Fatalf("stale clock must clamp to last timestamp, got %v", got[1].CreatedAt)
	}

	if _, err := f.store.AppendMessage(ctx, AppendMessageInput{
		RoomID: "ghost", SenderID: &uid, Type: MessageText, Content: text("x"),
	}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestPostgresStore_ClientMsgIDDedupe(t *testing.T) {
	t.Parallel()
	f := newPGFixture(t)
	ctx := context.Background()

	uid := f.user(t, "alice")
	f.room(t, "general", false)

	in := AppendMessageInput{RoomID: "general", ClientMsgID: "c-1", SenderID: &uid, Type: MessageText, Content: text("once")}
	first, err := f.store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	second, err := f.store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if !second.Duplicated || second.Stored.ID != first.Stored.ID || second.Stored.Seq != first.Stored.Seq {
		t.Fatalf("duplicate not detected: first=%+v second=%+v", first, second)
	}
}

func TestPostgresStore_HistoryPagingAndRemovedSender(t *testing.T) {
	t.Parallel()
	f := newPGFixture(t)
	ctx := context.Background()

	uid := f.user(t, "alice")
	f.room(t, "general", false)
	for i := 0; i < 3; i++ {
		if _, err := f.store.AppendMessage(ctx, AppendMessageInput{
			RoomID: "general", SenderID: &uid, Type: MessageText, Content: text("m"),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	users := pgIdent(f.schema, "users")
	if _, err := f.pool.Exec(ctx, `DELETE FROM `+users+` WHERE id = $1`, uid); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	page, err := f.store.FetchHistory(ctx, FetchHistoryInput{RoomID: "general", Limit: 2})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("page 1: %+v", page)
	}
	if page.Messages[0].SenderID != nil {
		t.Fatalf("removed sender must read back as NULL, got %q", *page.Messages[0].SenderID)
	}

	after := page.Messages[1].Seq
	page, err = f.store.FetchHistory(ctx, FetchHistoryInput{RoomID: "general", AfterSeq: &after, Limit: 2})
	if err != nil {
		t.Fatalf("fetch 2: %v", err)
	}
	if len(page.Messages) != 1 || page.HasMore || page.Messages[0].Seq != 3 {
		t.Fatalf("page 2: %+v", page)
	}
}

func TestPostgresMembershipStore_JoinLeaveAndPrivacy(t *testing.T) {
	t.Parallel()
	f := newPGFixture(t)
	ctx := context.Background()

	uid := f.user(t, "alice")
	f.room(t, "pub", false)
	f.room(t, "priv", true)

	if _, err := f.store.CreateRoom(ctx, CreateRoomInput{ID: "pub"}); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}

	rooms, err := f.store.ListRooms(ctx, ListRoomsInput{ViewerID: uid})
	if err != nil || len(rooms) != 1 {
		t.Fatalf("private room must be hidden: rooms=%+v err=%v", rooms, err)
	}

	if created, err := f.members.AddMember(ctx, uid, "priv", time.Time{}); err != nil || !created {
		t.Fatalf("AddMember: created=%v err=%v", created, err)
	}
	if created, err := f.members.AddMember(ctx, uid, "priv", time.Time{}); err != nil || created {
		t.Fatalf("AddMember again: created=%v err=%v", created, err)
	}
	if _, err := f.members.AddMember(ctx, uid, "ghost", time.Time{}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	rooms, _ = f.store.ListRooms(ctx, ListRoomsInput{ViewerID: uid})
	if len(rooms) != 2 {
		t.Fatalf("member must see private room: %+v", rooms)
	}
	if ok, _ := f.members.IsMember(ctx, uid, "priv"); !ok {
		t.Fatalf("IsMember = false")
	}

	if removed, err := f.members.RemoveMember(ctx, uid, "priv"); err != nil || !removed {
		t.Fatalf("RemoveMember: removed=%v err=%v", removed, err)
	}
	if removed, _ := f.members.RemoveMember(ctx, uid, "priv"); removed {
		t.Fatalf("RemoveMember must be idempotent")
	}
	ms, _ := f.members.ListMemberships(ctx, uid)
	if len(ms) != 0 {
		t.Fatalf("memberships after leave: %+v", ms)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HUDDLE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HUDDLE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func shouldSkipIntegration(err error) bool {
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp")
}
