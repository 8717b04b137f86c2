package chatapi

import (
	"time"

	"huddle/cmd/internal/realtime"
	v1 "huddle/contracts/realtime/v1"
)

type createRoomRequest struct {
	Name      string `json:"name" validate:"required,max=128"`
	IsPrivate bool   `json:"is_private"`
}

type roomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
}

type roomsResponse struct {
	Rooms []roomResponse `json:"rooms"`
}

type joinResponse struct {
	Room    roomResponse `json:"room"`
	Created bool         `json:"created"`
}

type leaveResponse struct {
	RoomID  string `json:"room"`
	Removed bool   `json:"removed"`
}

type messageResponse struct {
	Message    v1.MessagePayload `json:"message"`
	Duplicated bool              `json:"duplicated,omitempty"`
}

func toRoomResponse(r realtime.Room) roomResponse {
	return roomResponse{ID: r.ID, Name: r.Name, IsPrivate: r.IsPrivate, CreatedAt: r.CreatedAt}
}
