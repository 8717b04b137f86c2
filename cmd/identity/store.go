package identity

import (
	"context"
	"strings"
	"time"
)

// User is Huddle's canonical security principal.
type User struct {
	ID          string
	Username    string
	DisplayName *string
	CreatedAt   time.Time
}

// Name returns the label shown next to the user's messages.
// Display name wins over username; the id is the last resort.
func (u User) Name() string {
	if u.DisplayName != nil {
		if s := strings.TrimSpace(*u.DisplayName); s != "" {
			return s
		}
	}
	if s := strings.TrimSpace(u.Username); s != "" {
		return s
	}
	return u.ID
}

// UserStore is the read side of the identity store.
type UserStore interface {
	// GetUser returns the user with the given id or an error matching ErrNotFound.
	GetUser(ctx context.Context, userID string) (User, error)
}
