// Package v1 defines the Huddle Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "huddle.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello asks the server for the session id bound to this connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck carries the session id and resolved user (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeRoomJoin subscribes the connection to a room (client -> server).
	TypeRoomJoin = "room.join"
	// TypeRoomLeave unsubscribes the connection from a room (client -> server).
	TypeRoomLeave = "room.leave"
	// TypeRoomJoined announces that a user joined a room (server -> room).
	TypeRoomJoined = "room.joined"
	// TypeRoomLeft announces that a user left a room (server -> room).
	TypeRoomLeft = "room.left"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessageAck acknowledges a persisted send (server -> sender).
	TypeMessageAck = "message.ack"
	// TypeMessageNew delivers a persisted message (server -> room).
	TypeMessageNew = "message.new"

	// TypeRoomHistory requests a window of persisted messages (client -> server).
	TypeRoomHistory = "room.history"
	// TypeRoomHistoryChunk returns a window of history (server -> client).
	TypeRoomHistoryChunk = "room.history.chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Message kinds carried by MessageSendPayload.Type and MessagePayload.Type.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeRoomJoin,
		TypeRoomLeave,
		TypeMessageSend,
		TypeRoomHistory:
		return nil
	case TypeHelloAck,
		TypeRoomJoined,
		TypeRoomLeft,
		TypeMessageAck,
		TypeMessageNew,
		TypeRoomHistoryChunk,
		TypeError:
		return fmt.Errorf("server-only type: %q", e.Type)
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Inbound payloads ----

// HelloPayload is sent by the client to learn its session id.
type HelloPayload struct{}

// RoomJoinPayload requests a live subscription to a room.
type RoomJoinPayload struct {
	RoomID string `json:"room" validate:"required,max=64"`
}

// RoomLeavePayload requests removal of a live subscription.
type RoomLeavePayload struct {
	RoomID string `json:"room" validate:"required,max=64"`
}

// MessageSendPayload requests persisting and broadcasting a message.
type MessageSendPayload struct {
	RoomID   string  `json:"room" validate:"required,max=64"`
	Type     string  `json:"message_type" validate:"omitempty,oneof=text image"`
	Content  *string `json:"content,omitempty" validate:"omitempty,max=16000"`
	MediaRef *string `json:"image,omitempty" validate:"omitempty,max=2048"`

	// ClientMsgID is an optional idempotency key; a retried send with the same
	// key is acknowledged again but not re-broadcast.
	ClientMsgID string `json:"client_msg_id,omitempty" validate:"omitempty,max=64,printascii"`
}

// RoomHistoryPayload requests a window of persisted messages.
type RoomHistoryPayload struct {
	RoomID   string `json:"room" validate:"required,max=64"`
	AfterSeq *int64 `json:"after_seq,omitempty" validate:"omitempty,min=0"`
	Limit    int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
}

// ---- Outbound payloads ----

// HelloAckPayload carries the session bound to the connection.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomEventPayload is used for room.joined and room.left.
type RoomEventPayload struct {
	RoomID string `json:"room"`
	UserID string `json:"user_id"`
}

// SenderSummary identifies the author of a message.
type SenderSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
}

// MessagePayload is the delivery shape of a persisted message.
// Sender is nil when the author no longer exists.
type MessagePayload struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room"`
	Seq       int64          `json:"seq"`
	Sender    *SenderSummary `json:"sender"`
	Content   *string        `json:"content"`
	Type      string         `json:"message_type"`
	MediaRef  *string        `json:"image"`
	CreatedAt time.Time      `json:"created_at"`
}

// MessageAckPayload acknowledges a persisted send to the sender.
type MessageAckPayload struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room"`
	Seq         int64     `json:"seq"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	Duplicated  bool      `json:"duplicated,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoomHistoryChunkPayload returns messages for a history request.
type RoomHistoryChunkPayload struct {
	RoomID   string           `json:"room"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
