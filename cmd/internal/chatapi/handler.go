package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"huddle/cmd/internal/auth"
	"huddle/cmd/internal/realtime"
	v1 "huddle/contracts/realtime/v1"
)

// Authenticator resolves a bearer credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
}

// Deps are the collaborators shared with the realtime engine.
type Deps struct {
	Log      *slog.Logger
	Auth     Authenticator
	Store    realtime.Store
	Dir      *realtime.Directory
	Pipeline *realtime.Pipeline
}

// Handler serves /api/rooms and /api/messages.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	auth Authenticator

	store realtime.Store
	dir   *realtime.Directory
	pipe  *realtime.Pipeline

	throttle *authThrottle
	now      func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, deps Deps) (*Handler, error) {
	if deps.Auth == nil || deps.Store == nil || deps.Dir == nil || deps.Pipeline == nil {
		return nil, errors.New("chatapi: missing dependency")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:   log,
		cfg:   cfg,
		auth:  deps.Auth,
		store: deps.Store,
		dir:   deps.Dir,
		pipe:  deps.Pipeline,

		throttle: newAuthThrottle(cfg.AuthFailMax, cfg.AuthFailWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/rooms", h.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms", h.handleListRooms)
	mux.HandleFunc("GET /api/rooms/{id}", h.handleGetRoom)
	mux.HandleFunc("POST /api/rooms/{id}/join", h.handleJoin)
	mux.HandleFunc("POST /api/rooms/{id}/leave", h.handleLeave)
	mux.HandleFunc("GET /api/messages", h.handleHistory)
	mux.HandleFunc("POST /api/messages", h.handleSend)
}

// ---- handlers ----

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req createRoomRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := r.Context()
	room, err := h.store.CreateRoom(ctx, realtime.CreateRoomInput{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		IsPrivate: req.IsPrivate,
		Now:       h.now(),
	})
	if err != nil {
		h.log.Error("api.rooms.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	// The creator is the first member; a private room would otherwise be invisible to them.
	if _, err := h.dir.Join(ctx, id.UserID, room.ID); err != nil {
		h.log.Warn("api.rooms.create.membership_fail", "room", room.ID, "user_id", id.UserID, "err", err)
	}

	h.log.Info("api.rooms.create", "room", room.ID, "user_id", id.UserID, "private", room.IsPrivate)
	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	rooms, err := h.store.ListRooms(r.Context(), realtime.ListRoomsInput{ViewerID: id.UserID, Limit: h.cfg.RoomsLimit})
	if err != nil {
		h.log.Error("api.rooms.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	out := roomsResponse{Rooms: make([]roomResponse, 0, len(rooms))}
	for _, room := range rooms {
		out.Rooms = append(out.Rooms, toRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	room, ok := h.visibleRoom(w, r, id, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	room, err := h.store.GetRoom(ctx, strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		h.writeRoomError(w, "api.rooms.join", err)
		return
	}

	created, err := h.dir.Join(ctx, id.UserID, room.ID)
	if err != nil {
		h.writeRoomError(w, "api.rooms.join", err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{Room: toRoomResponse(room), Created: created})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	roomID := strings.TrimSpace(r.PathValue("id"))
	removed, err := h.dir.Leave(r.Context(), id.UserID, roomID)
	if err != nil {
		h.log.Error("api.rooms.leave.fail", "room", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, leaveResponse{RoomID: roomID, Removed: removed})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var (
		afterSeq *int64
		limit    int
	)
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "after_seq must be a non-negative integer")
			return
		}
		afterSeq = &n
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	room, ok := h.visibleRoom(w, r, id, q.Get("room"))
	if !ok {
		return
	}

	chunk, err := h.pipe.History(r.Context(), room.ID, afterSeq, limit)
	if err != nil {
		h.writeRoomError(w, "api.messages.history", err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req v1.MessageSendPayload
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	cmd, err := realtime.SendCommandFromPayload(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The send completes even if the client goes away mid-request.
	res, err := h.pipe.SendAs(context.WithoutCancel(r.Context()), id, cmd)
	if err != nil {
		h.writeRoomError(w, "api.messages.send", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, messageResponse{Message: res.Payload, Duplicated: res.Duplicated})
}

// ---- helpers ----

// requireAuth verifies the bearer credential. Every failure is a bare 401;
// an IP that keeps failing gets 429 instead.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	ip := clientIP(r, h.cfg.TrustProxy)
	if blocked, retry := h.throttle.blocked(ip, h.now()); blocked {
		h.log.Warn("api.auth.throttled", "ip", ip.String(), "retry_after", retry)
		writeRateLimited(w, retry)
		return auth.Identity{}, false
	}

	id, err := h.auth.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		h.throttle.recordFailure(ip, h.now())
		w.Header().Set("WWW-Authenticate", `Bearer realm="huddle"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing credentials")
		return auth.Identity{}, false
	}
	return id, true
}

// visibleRoom loads roomID and hides private rooms from non-members behind a 404.
func (h *Handler) visibleRoom(w http.ResponseWriter, r *http.Request, id auth.Identity, roomID string) (realtime.Room, bool) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "room is required")
		return realtime.Room{}, false
	}

	ctx := r.Context()
	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		h.writeRoomError(w, "api.rooms.get", err)
		return realtime.Room{}, false
	}
	if room.IsPrivate {
		member, err := h.dir.IsMember(ctx, id.UserID, room.ID)
		if err != nil {
			h.writeRoomError(w, "api.rooms.get", err)
			return realtime.Room{}, false
		}
		if !member {
			writeError(w, http.StatusNotFound, "room_not_found", "room not found")
			return realtime.Room{}, false
		}
	}
	return room, true
}

func (h *Handler) writeRoomError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, realtime.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room_not_found", "room not found")
	case errors.Is(err, realtime.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "temporarily unavailable")
	}
}
