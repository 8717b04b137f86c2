package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"huddle/cmd/internal/auth"
	v1 "huddle/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Huddle realtime.
//
// It authenticates the handshake, enforces origin policy, subprotocol
// selection, rate limits and heartbeats, and routes validated envelopes to
// the Engine. Each connection's events are handled one at a time, in order.
type WSGateway struct {
	log     *slog.Logger
	engine  *Engine
	metrics *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults read from HUDDLE_WS_* variables.
func NewWSGateway(log *slog.Logger, engine *Engine, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, engine: engine, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob that disables websocket.Accept's origin check.
	g.devInsecure = envBoolWS("HUDDLE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HUDDLE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HUDDLE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HUDDLE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("HUDDLE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("HUDDLE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("HUDDLE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("HUDDLE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("HUDDLE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HUDDLE_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the handshake, upgrades the request and runs the realtime loop.
//
// Credential failures are answered with 401 before the upgrade, so a
// rejected connection never reaches the session registry.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.engine.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Bearer realm="huddle"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(g.sendQueueSize)
	sessionID, err := g.engine.Open(client, ident)
	if err != nil {
		g.log.Error("ws.session.open.fail", "user_id", ident.UserID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	g.metrics.connOpened()
	defer g.metrics.connClosed()

	log := g.log.With("session_id", sessionID, "user_id", ident.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The session leaves every fan-out set before the client is closed, so
	// broadcasters never see a half torn down handle.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.engine.Disconnect(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, env.ID, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendError(client, env.ID, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		// A handler that reached persistence finishes even if the
		// connection drops meanwhile; only further events are cut off.
		hctx := context.WithoutCancel(ctx)

		switch env.Type {
		case v1.TypeHello:
			g.onHello(client, ident, env)
		case v1.TypeRoomJoin:
			g.onJoin(hctx, log, client, env)
		case v1.TypeRoomLeave:
			g.onLeave(hctx, log, client, env)
		case v1.TypeMessageSend:
			g.onMessageSend(hctx, log, client, env)
		case v1.TypeRoomHistory:
			g.onHistory(hctx, log, client, env)
		default:
			g.sendError(client, env.ID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(client *Client, ident auth.Identity, env v1.Envelope) {
	g.reply(client, env.ID, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID, UserID: ident.UserID})
}

func (g *WSGateway) onJoin(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope) {
	var p v1.RoomJoinPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		g.sendError(client, env.ID, "bad_payload", err.Error())
		return
	}

	res, err := g.engine.Join(ctx, client.SessionID, p.RoomID)
	if err != nil {
		g.failCommand(log, client, env, "join_failed", err)
		return
	}
	if !res.Subscribed {
		// Already subscribed: no announcement went out, confirm to the caller only.
		g.reply(client, env.ID, v1.TypeRoomJoined, v1.RoomEventPayload{RoomID: res.Room.ID, UserID: client.UserID})
	}
}

func (g *WSGateway) onLeave(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope) {
	var p v1.RoomLeavePayload
	if err := decodePayload(env.Payload, &p); err != nil {
		g.sendError(client, env.ID, "bad_payload", err.Error())
		return
	}

	if _, err := g.engine.Leave(ctx, client.SessionID, p.RoomID); err != nil {
		g.failCommand(log, client, env, "leave_failed", err)
		return
	}
	// The leaver is no longer in the fan-out set, so it gets its own echo.
	g.reply(client, env.ID, v1.TypeRoomLeft, v1.RoomEventPayload{RoomID: strings.TrimSpace(p.RoomID), UserID: client.UserID})
}

func (g *WSGateway) onMessageSend(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope) {
	cmd, err := DecodeSendCommand(env.Payload)
	if err != nil {
		g.sendError(client, env.ID, "bad_payload", err.Error())
		return
	}

	res, err := g.engine.Send(ctx, client.SessionID, cmd)
	if err != nil {
		g.failCommand(log, client, env, "send_failed", err)
		return
	}

	g.reply(client, env.ID, v1.TypeMessageAck, v1.MessageAckPayload{
		ID:          res.Message.ID,
		RoomID:      res.Message.RoomID,
		Seq:         res.Message.Seq,
		ClientMsgID: res.Message.ClientMsgID,
		Duplicated:  res.Duplicated,
		CreatedAt:   res.Message.CreatedAt,
	})
}

func (g *WSGateway) onHistory(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope) {
	var p v1.RoomHistoryPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		g.sendError(client, env.ID, "bad_payload", err.Error())
		return
	}

	chunk, err := g.engine.History(ctx, client.SessionID, p.RoomID, p.AfterSeq, p.Limit)
	if err != nil {
		g.failCommand(log, client, env, "history_failed", err)
		return
	}
	g.reply(client, env.ID, v1.TypeRoomHistoryChunk, chunk)
}

// failCommand maps engine errors to error envelopes.
// ErrSessionClosed is dropped silently: the session is already on its way out.
func (g *WSGateway) failCommand(log *slog.Logger, client *Client, env v1.Envelope, code string, err error) {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return
	case errors.Is(err, ErrRoomNotFound):
		g.sendError(client, env.ID, "room_not_found", "room not found")
	case errors.Is(err, ErrInvalidCommand):
		g.sendError(client, env.ID, "bad_payload", err.Error())
	default:
		log.Warn("ws.command.fail", "type", env.Type, "err", err)
		g.sendError(client, env.ID, code, "temporarily unavailable")
	}
}

// ---- send helpers ----

// reply enqueues a response addressed to the caller. A response carries the
// request envelope id, and no id when the request had none or could not be
// parsed, so clients never see an id they did not send.
func (g *WSGateway) reply(client *Client, requestID, typ string, payload any) {
	now := time.Now().UTC()
	env, err := newEnvelope(typ, payload, now)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	env.ID = requestID
	if !client.Deliver(env) {
		g.log.Debug("ws.reply.drop", "session_id", client.SessionID, "type", typ)
	}
}

func (g *WSGateway) sendError(client *Client, requestID, code, msg string) {
	g.reply(client, requestID, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
