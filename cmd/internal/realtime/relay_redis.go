package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	v1 "huddle/contracts/realtime/v1"
)

const relayChannelPrefix = "huddle:room:"

type relayFrame struct {
	Origin   string      `json:"origin"`
	RoomID   string      `json:"room"`
	Envelope v1.Envelope `json:"envelope"`
}

// RedisRelay fans room envelopes out across instances over Redis pub/sub.
//
// Every instance publishes its local broadcasts and delivers frames from
// other instances to its own subscribers. Frames carry the publisher's
// origin id so an instance never re-delivers its own broadcasts.
type RedisRelay struct {
	log     *slog.Logger
	client  redis.UniversalClient
	metrics *Metrics
	origin  string
}

// NewRedisRelay constructs a relay over client. The client is owned by the caller.
func NewRedisRelay(log *slog.Logger, client redis.UniversalClient, metrics *Metrics) *RedisRelay {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{
		log:     log,
		client:  client,
		metrics: metrics,
		origin:  uuid.NewString(),
	}
}

// Origin returns this instance's relay id.
func (r *RedisRelay) Origin() string { return r.origin }

// Publish sends env to peers subscribed to roomID's channel.
func (r *RedisRelay) Publish(ctx context.Context, roomID string, env v1.Envelope) error {
	b, err := json.Marshal(relayFrame{Origin: r.origin, RoomID: roomID, Envelope: env})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, relayChannelPrefix+roomID, b).Err()
}

// Run subscribes to every room channel and hands peer frames to deliver
// until ctx is done. ready, when non-nil, is closed once the subscription is active.
func (r *RedisRelay) Run(ctx context.Context, deliver func(roomID string, env v1.Envelope), ready chan<- struct{}) error {
	sub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer func() { _ = sub.Close() }()

	// Receive blocks until Redis confirms the subscription.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info("relay.subscribed", "origin", r.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("relay: subscription closed")
			}
			var f relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				r.metrics.relayError()
				r.log.Warn("relay.decode.fail", "channel", msg.Channel, "err", err)
				continue
			}
			if f.Origin == r.origin {
				continue
			}
			roomID := f.RoomID
			if roomID == "" {
				roomID = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
			}
			deliver(roomID, f.Envelope)
		}
	}
}
