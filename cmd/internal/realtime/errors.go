package realtime

import "errors"

var (
	// ErrRoomNotFound is returned when a join or send references a room the store does not know.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExists is returned by CreateRoom when the id is taken.
	ErrRoomExists = errors.New("room already exists")

	// ErrSessionClosed is returned for unknown or already closed sessions.
	// The gateway drops these silently: a session only gets here by racing its own disconnect.
	ErrSessionClosed = errors.New("session closed")

	// ErrDuplicateHandle is returned by Registry.Open when the handle already has a live session.
	ErrDuplicateHandle = errors.New("connection handle already registered")

	// ErrInvalidCommand wraps every validation failure of an inbound command.
	ErrInvalidCommand = errors.New("invalid command")
)
