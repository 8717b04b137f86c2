package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"huddle/cmd/identity"
	"huddle/cmd/identity/ids"
	"huddle/cmd/internal/auth"
	v1 "huddle/contracts/realtime/v1"
)

// Relay forwards room envelopes to peer instances.
type Relay interface {
	Publish(ctx context.Context, roomID string, env v1.Envelope) error
}

// Pipeline persists inbound messages and fans them out to a room's live subscribers.
//
// Dispatch of one room is serialized by a per-room lock held across
// persist-then-fanout, so every subscriber observes a room's messages in seq
// order and no two broadcasts of the same room overlap. Different rooms never
// share a lock.
type Pipeline struct {
	log     *slog.Logger
	reg     *Registry
	topo    *Topology
	store   Store
	users   identity.UserStore
	relay   Relay
	metrics *Metrics
	now     func() time.Time

	dispatch sync.Map // room id -> *sync.Mutex
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithRelay makes the pipeline forward every local broadcast to peers.
func WithRelay(r Relay) PipelineOption {
	return func(p *Pipeline) { p.relay = r }
}

// WithPipelineClock overrides the timestamp source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires a Pipeline. users resolves sender names for history; it may be nil.
func NewPipeline(log *slog.Logger, topo *Topology, store Store, users identity.UserStore, metrics *Metrics, opts ...PipelineOption) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:     log,
		reg:     topo.reg,
		topo:    topo,
		store:   store,
		users:   users,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// SendResult is the outcome of a send.
type SendResult struct {
	Message Message
	Payload v1.MessagePayload

	// Duplicated is set when ClientMsgID matched an earlier send; nothing was broadcast.
	Duplicated bool
}

// Send persists cmd on behalf of a live session and broadcasts it.
//
// Unknown or closed sessions get ErrSessionClosed. Membership is not checked:
// a session may send to a room it never joined.
func (p *Pipeline) Send(ctx context.Context, sessionID string, cmd SendCommand) (SendResult, error) {
	info, err := p.reg.Get(sessionID)
	if err != nil {
		return SendResult{}, err
	}
	return p.SendAs(ctx, info.Identity, cmd)
}

// SendAs persists cmd authored by id and broadcasts it. The REST boundary
// uses it directly so both paths produce identical records and payloads.
func (p *Pipeline) SendAs(ctx context.Context, id auth.Identity, cmd SendCommand) (SendResult, error) {
	cmd, err := cmd.normalize()
	if err != nil {
		p.metrics.sendFailed("invalid")
		return SendResult{}, err
	}

	mu := p.roomLock(cmd.RoomID)
	mu.Lock()
	defer mu.Unlock()

	sender := id.UserID
	res, err := p.store.AppendMessage(ctx, AppendMessageInput{
		RoomID:      cmd.RoomID,
		ClientMsgID: cmd.ClientMsgID,
		SenderID:    &sender,
		Type:        cmd.Type,
		Content:     cmd.Content,
		MediaRef:    cmd.MediaRef,
		Now:         p.now(),
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			p.metrics.sendFailed("room_not_found")
			return SendResult{}, err
		}
		p.metrics.sendFailed("store")
		return SendResult{}, fmt.Errorf("persist message: %w", err)
	}

	payload := messagePayload(res.Stored, &v1.SenderSummary{ID: id.UserID, DisplayName: id.DisplayName})
	out := SendResult{Message: res.Stored, Payload: payload, Duplicated: res.Duplicated}
	if res.Duplicated {
		return out, nil
	}

	env, err := newEnvelope(v1.TypeMessageNew, payload, res.Stored.CreatedAt)
	if err != nil {
		return out, err
	}
	p.metrics.messageSent(res.Stored.Type)
	p.broadcast(ctx, cmd.RoomID, env)
	return out, nil
}

// Announce notifies roomID's subscribers that userID joined or left.
// typ is v1.TypeRoomJoined or v1.TypeRoomLeft.
func (p *Pipeline) Announce(ctx context.Context, roomID, typ, userID string) {
	env, err := newEnvelope(typ, v1.RoomEventPayload{RoomID: roomID, UserID: userID}, p.now())
	if err != nil {
		p.log.Error("broadcast.announce.encode", "room", roomID, "err", err)
		return
	}
	p.broadcast(ctx, roomID, env)
}

// Publish delivers an envelope received from a peer instance to local subscribers only.
func (p *Pipeline) Publish(roomID string, env v1.Envelope) {
	p.metrics.relayReceived()
	p.fanout(roomID, env)
}

// History returns a page of roomID's messages as delivery payloads.
func (p *Pipeline) History(ctx context.Context, roomID string, afterSeq *int64, limit int) (v1.RoomHistoryChunkPayload, error) {
	out, err := p.store.FetchHistory(ctx, FetchHistoryInput{RoomID: roomID, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return v1.RoomHistoryChunkPayload{}, err
	}
	return v1.RoomHistoryChunkPayload{
		RoomID:   roomID,
		Messages: p.Payloads(ctx, out.Messages),
		HasMore:  out.HasMore,
	}, nil
}

// Payloads converts stored messages to delivery payloads, resolving sender
// names through the user store. Senders that no longer exist become nil.
func (p *Pipeline) Payloads(ctx context.Context, msgs []Message) []v1.MessagePayload {
	names := make(map[string]*v1.SenderSummary)
	out := make([]v1.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		var sender *v1.SenderSummary
		if m.SenderID != nil {
			s, ok := names[*m.SenderID]
			if !ok {
				s = p.senderSummary(ctx, *m.SenderID)
				names[*m.SenderID] = s
			}
			sender = s
		}
		out = append(out, messagePayload(m, sender))
	}
	return out
}

func (p *Pipeline) senderSummary(ctx context.Context, userID string) *v1.SenderSummary {
	if p.users == nil {
		return &v1.SenderSummary{ID: userID, DisplayName: userID}
	}
	u, err := p.users.GetUser(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return nil
		}
		p.log.Warn("broadcast.sender.lookup_fail", "user_id", userID, "err", err)
		return &v1.SenderSummary{ID: userID, DisplayName: userID}
	}
	return &v1.SenderSummary{ID: u.ID, DisplayName: u.Name()}
}

func (p *Pipeline) broadcast(ctx context.Context, roomID string, env v1.Envelope) {
	p.fanout(roomID, env)

	if p.relay == nil {
		return
	}
	err := p.relay.Publish(ctx, roomID, env)
	p.metrics.relayPublished(err)
	if err != nil {
		// Local subscribers already have it; peers miss this one.
		p.log.Warn("broadcast.relay.fail", "room", roomID, "type", env.Type, "err", err)
	}
}

// fanout delivers env to the room's subscribers at dispatch time.
// Delivery never blocks: a full queue drops the envelope for that client only.
func (p *Pipeline) fanout(roomID string, env v1.Envelope) {
	delivered, dropped := 0, 0
	for _, c := range p.topo.FanoutSet(roomID) {
		if c.Deliver(env) {
			delivered++
			continue
		}
		dropped++
		p.log.Debug("broadcast.drop", "room", roomID, "session_id", c.SessionID, "type", env.Type)
	}
	p.metrics.delivered(delivered, dropped)
}

func (p *Pipeline) roomLock(roomID string) *sync.Mutex {
	if v, ok := p.dispatch.Load(roomID); ok {
		return v.(*sync.Mutex)
	}
	v, _ := p.dispatch.LoadOrStore(roomID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func messagePayload(m Message, sender *v1.SenderSummary) v1.MessagePayload {
	return v1.MessagePayload{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Seq:       m.Seq,
		Sender:    sender,
		Content:   m.Content,
		Type:      string(m.Type),
		MediaRef:  m.MediaRef,
		CreatedAt: m.CreatedAt,
	}
}

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	id, err := ids.NewULID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}
