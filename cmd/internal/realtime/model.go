package realtime

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	v1 "huddle/contracts/realtime/v1"
)

// MessageType is the closed set of message kinds.
type MessageType string

const (
	MessageText  MessageType = v1.MessageTypeText
	MessageImage MessageType = v1.MessageTypeImage
)

// ParseMessageType maps a wire value to a MessageType. Empty means text.
func ParseMessageType(s string) (MessageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", v1.MessageTypeText:
		return MessageText, nil
	case v1.MessageTypeImage:
		return MessageImage, nil
	default:
		return "", fmt.Errorf("%w: unknown message_type %q", ErrInvalidCommand, s)
	}
}

// Room is a durable broadcast scope.
type Room struct {
	ID        string
	Name      string
	IsPrivate bool
	CreatedAt time.Time
}

// Membership records that a user belongs to a room.
type Membership struct {
	UserID   string
	RoomID   string
	JoinedAt time.Time
}

// Message is a persisted chat message.
//
// SenderID is nil once the author has been removed from the identity store.
// Content is nil for media-only messages.
type Message struct {
	ID          string
	RoomID      string
	Seq         int64
	ClientMsgID string
	SenderID    *string
	Content     *string
	Type        MessageType
	MediaRef    *string
	CreatedAt   time.Time
	Read        bool
}

// SendCommand is a decoded, strongly typed send request.
type SendCommand struct {
	RoomID   string
	Type     MessageType
	Content  *string
	MediaRef *string

	// ClientMsgID is an optional idempotency key scoped to the room.
	ClientMsgID string
}

// normalize trims fields and enforces the per-type content rules.
func (c SendCommand) normalize() (SendCommand, error) {
	c.RoomID = strings.TrimSpace(c.RoomID)
	if c.RoomID == "" {
		return SendCommand{}, fmt.Errorf("%w: missing room", ErrInvalidCommand)
	}
	if c.Type == "" {
		c.Type = MessageText
	}
	c.Content = trimPtr(c.Content)
	c.MediaRef = trimPtr(c.MediaRef)
	c.ClientMsgID = strings.TrimSpace(c.ClientMsgID)

	if c.Content != nil && utf8.RuneCountInString(*c.Content) > maxMessageChars {
		return SendCommand{}, fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidCommand, maxMessageChars)
	}
	if c.MediaRef != nil && len(*c.MediaRef) > maxMediaRefBytes {
		return SendCommand{}, fmt.Errorf("%w: image reference too long", ErrInvalidCommand)
	}

	switch c.Type {
	case MessageText:
		if c.Content == nil {
			return SendCommand{}, fmt.Errorf("%w: empty content", ErrInvalidCommand)
		}
	case MessageImage:
		if c.MediaRef == nil {
			return SendCommand{}, fmt.Errorf("%w: image message without image reference", ErrInvalidCommand)
		}
	default:
		return SendCommand{}, fmt.Errorf("%w: unknown message_type %q", ErrInvalidCommand, c.Type)
	}
	return c, nil
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}
