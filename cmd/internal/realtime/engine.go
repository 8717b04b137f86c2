package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"huddle/cmd/internal/auth"
	v1 "huddle/contracts/realtime/v1"
)

// IdentityVerifier resolves a bearer credential. auth.Verifier implements it.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// Engine drives the per-connection state machine:
// Connecting -> Authenticated -> Terminated.
//
// A connection becomes Authenticated only through Open after a successful
// Authenticate; every other call on a session that is not Authenticated
// returns ErrSessionClosed.
type Engine struct {
	log      *slog.Logger
	verifier IdentityVerifier
	reg      *Registry
	topo     *Topology
	dir      *Directory
	pipe     *Pipeline
	store    Store
	metrics  *Metrics

	autoCreateRooms bool
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Log      *slog.Logger
	Verifier IdentityVerifier
	Topology *Topology
	Dir      *Directory
	Pipeline *Pipeline
	Store    Store
	Metrics  *Metrics

	// AutoCreateRooms creates unknown rooms on first join instead of failing with ErrRoomNotFound.
	AutoCreateRooms bool
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:             log,
		verifier:        cfg.Verifier,
		reg:             cfg.Topology.reg,
		topo:            cfg.Topology,
		dir:             cfg.Dir,
		pipe:            cfg.Pipeline,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		autoCreateRooms: cfg.AutoCreateRooms,
	}
}

// Registry exposes the session registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Topology exposes the room topology.
func (e *Engine) Topology() *Topology { return e.topo }

// Pipeline exposes the broadcast pipeline.
func (e *Engine) Pipeline() *Pipeline { return e.pipe }

// Authenticate verifies credential. Every failure is auth.ErrAuthFailure.
func (e *Engine) Authenticate(ctx context.Context, credential string) (auth.Identity, error) {
	id, err := e.verifier.Verify(ctx, credential)
	if err != nil {
		e.metrics.authFailed()
		return auth.Identity{}, auth.ErrAuthFailure
	}
	return id, nil
}

// Open registers an authenticated handle and returns its session id.
func (e *Engine) Open(handle *Client, id auth.Identity) (string, error) {
	sessionID, err := e.reg.Open(handle, id)
	if err != nil {
		return "", err
	}
	e.log.Info("session.open", "session_id", sessionID, "user_id", id.UserID)
	return sessionID, nil
}

// Connect authenticates credential and opens a session bound to handle.
// On failure no session exists.
func (e *Engine) Connect(ctx context.Context, handle *Client, credential string) (string, error) {
	id, err := e.Authenticate(ctx, credential)
	if err != nil {
		return "", err
	}
	return e.Open(handle, id)
}

// JoinResult reports the effect of a join.
type JoinResult struct {
	Room Room
	// Subscribed is false when the session was already subscribed.
	Subscribed bool
	// MembershipCreated is true when a durable membership row was inserted.
	MembershipCreated bool
}

// Join subscribes the session to roomID and records the durable membership.
// A private room only admits users that already hold a membership; to anyone
// else it does not exist.
//
// A newly subscribed session is announced to the room, itself included.
// A membership write failure is logged and does not undo the subscription:
// live delivery is governed by the topology.
func (e *Engine) Join(ctx context.Context, sessionID, roomID string) (JoinResult, error) {
	info, err := e.reg.Get(sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	roomID, err = cleanRoomID(roomID)
	if err != nil {
		return JoinResult{}, err
	}

	room, err := e.resolveRoom(ctx, roomID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := e.admit(ctx, info.Identity.UserID, room); err != nil {
		return JoinResult{}, err
	}

	added, err := e.topo.Subscribe(sessionID, room.ID)
	if err != nil {
		return JoinResult{}, err
	}

	res := JoinResult{Room: room, Subscribed: added}
	created, err := e.dir.Join(ctx, info.Identity.UserID, room.ID)
	if err != nil {
		e.log.Warn("room.join.membership_fail", "session_id", sessionID, "room", room.ID, "err", err)
	}
	res.MembershipCreated = created

	if added {
		e.pipe.Announce(ctx, room.ID, v1.TypeRoomJoined, info.Identity.UserID)
		e.log.Info("room.join", "session_id", sessionID, "user_id", info.Identity.UserID, "room", room.ID)
	}
	return res, nil
}

// Leave unsubscribes the session from roomID and deletes the durable membership.
// Remaining subscribers are told the user left. It reports whether the session was subscribed.
func (e *Engine) Leave(ctx context.Context, sessionID, roomID string) (bool, error) {
	info, err := e.reg.Get(sessionID)
	if err != nil {
		return false, err
	}
	roomID, err = cleanRoomID(roomID)
	if err != nil {
		return false, err
	}

	removed, err := e.topo.Unsubscribe(sessionID, roomID)
	if err != nil {
		return false, err
	}

	if _, err := e.dir.Leave(ctx, info.Identity.UserID, roomID); err != nil {
		e.log.Warn("room.leave.membership_fail", "session_id", sessionID, "room", roomID, "err", err)
	}

	if removed {
		e.pipe.Announce(ctx, roomID, v1.TypeRoomLeft, info.Identity.UserID)
		e.log.Info("room.leave", "session_id", sessionID, "user_id", info.Identity.UserID, "room", roomID)
	}
	return removed, nil
}

// Send persists and broadcasts a message for the session.
func (e *Engine) Send(ctx context.Context, sessionID string, cmd SendCommand) (SendResult, error) {
	return e.pipe.Send(ctx, sessionID, cmd)
}

// History returns a page of a room's persisted messages. Private rooms are
// readable by members only.
func (e *Engine) History(ctx context.Context, sessionID, roomID string, afterSeq *int64, limit int) (v1.RoomHistoryChunkPayload, error) {
	info, err := e.reg.Get(sessionID)
	if err != nil {
		return v1.RoomHistoryChunkPayload{}, err
	}
	roomID, err = cleanRoomID(roomID)
	if err != nil {
		return v1.RoomHistoryChunkPayload{}, err
	}
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return v1.RoomHistoryChunkPayload{}, err
	}
	if err := e.admit(ctx, info.Identity.UserID, room); err != nil {
		return v1.RoomHistoryChunkPayload{}, err
	}
	return e.pipe.History(ctx, room.ID, afterSeq, limit)
}

// admit reports a private room as missing to users without a membership, the
// same answer the REST boundary gives.
func (e *Engine) admit(ctx context.Context, userID string, room Room) error {
	if !room.IsPrivate {
		return nil
	}
	member, err := e.dir.IsMember(ctx, userID, room.ID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room.ID)
	}
	return nil
}

// Disconnect terminates the session: it leaves every room's fan-out set and
// the registry. Durable memberships are kept. Idempotent.
func (e *Engine) Disconnect(sessionID string) {
	rooms := e.topo.DropSession(sessionID)
	if rooms != nil {
		e.log.Info("session.close", "session_id", sessionID, "rooms", len(rooms))
	}
}

func (e *Engine) resolveRoom(ctx context.Context, roomID string) (Room, error) {
	room, err := e.store.GetRoom(ctx, roomID)
	if err == nil || !errors.Is(err, ErrRoomNotFound) || !e.autoCreateRooms {
		return room, err
	}

	room, err = e.store.CreateRoom(ctx, CreateRoomInput{ID: roomID, Name: roomID})
	if errors.Is(err, ErrRoomExists) {
		return e.store.GetRoom(ctx, roomID)
	}
	if err == nil {
		e.log.Info("room.autocreate", "room", roomID)
	}
	return room, err
}

func cleanRoomID(roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", fmt.Errorf("%w: missing room", ErrInvalidCommand)
	}
	if len(roomID) > maxRoomIDBytes {
		return "", fmt.Errorf("%w: room id too long", ErrInvalidCommand)
	}
	return roomID, nil
}
