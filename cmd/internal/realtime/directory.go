package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	directoryAttempts    = 3
	directoryBaseBackoff = 25 * time.Millisecond
)

// Directory is the durable counterpart of Topology: which rooms a user belongs to.
//
// Writes are idempotent, so transient store failures are retried a bounded
// number of times. Directory is not transactionally coupled to Topology.
type Directory struct {
	log   *slog.Logger
	store MembershipStore
	now   func() time.Time

	attempts int
	backoff  time.Duration
}

// NewDirectory constructs a Directory over store.
func NewDirectory(log *slog.Logger, store MembershipStore) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		log:      log,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		attempts: directoryAttempts,
		backoff:  directoryBaseBackoff,
	}
}

// Join creates the (user, room) relation if absent and reports whether it did.
func (d *Directory) Join(ctx context.Context, userID, roomID string) (bool, error) {
	var created bool
	err := d.retry(ctx, "membership.join", func() error {
		var err error
		created, err = d.store.AddMember(ctx, userID, roomID, d.now())
		return err
	})
	return created, err
}

// Leave deletes the (user, room) relation if present and reports whether it did.
func (d *Directory) Leave(ctx context.Context, userID, roomID string) (bool, error) {
	var removed bool
	err := d.retry(ctx, "membership.leave", func() error {
		var err error
		removed, err = d.store.RemoveMember(ctx, userID, roomID)
		return err
	})
	return removed, err
}

// Rooms lists the user's memberships.
func (d *Directory) Rooms(ctx context.Context, userID string) ([]Membership, error) {
	var out []Membership
	err := d.retry(ctx, "membership.list", func() error {
		var err error
		out, err = d.store.ListMemberships(ctx, userID)
		return err
	})
	return out, err
}

// IsMember reports whether userID belongs to roomID.
func (d *Directory) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	return d.store.IsMember(ctx, userID, roomID)
}

func (d *Directory) retry(ctx context.Context, op string, fn func() error) error {
	backoff := d.backoff
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == d.attempts {
			break
		}
		d.log.Warn(op+".retry", "attempt", attempt, "err", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrRoomNotFound):
		return false
	default:
		return true
	}
}
