// Package relay fans accepted document updates out to the other server
// instances sharing a Redis deployment. Access requests are not relayed; they
// are resolved on the instance holding the requester's connection.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabtext/internal/metrics"
)

// Each channel is published on its own Redis channel, prefix + channelID.
type message struct {
	Instance string `json:"instance"`
	Update   string `json:"update"`
}

type outgoing struct {
	channelID string
	payload   []byte
}

// Relay publishes local updates and delivers the updates of other instances.
// It satisfies document.Publisher.
type Relay struct {
	log      *zap.Logger
	rdb      redis.UniversalClient
	prefix   string
	instance string
	outbox   chan outgoing
}

type Opt func(*Relay)

func WithLogger(log *zap.Logger) Opt {
	return func(r *Relay) {
		r.log = log
	}
}

// WithOutbox sets how many updates may wait for publishing.
func WithOutbox(n int) Opt {
	return func(r *Relay) {
		r.outbox = make(chan outgoing, n)
	}
}

func New(rdb redis.UniversalClient, prefix string, opts ...Opt) *Relay {
	r := &Relay{
		log:      zap.NewNop(),
		rdb:      rdb,
		prefix:   prefix,
		instance: uuid.NewString(),
		outbox:   make(chan outgoing, 1024),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish queues an update without blocking the caller, which holds the
// channel lock. Updates that do not fit are dropped; other instances catch up
// on their clients' next resync.
func (r *Relay) Publish(channelID, encoded string) {
	payload, err := json.Marshal(message{Instance: r.instance, Update: encoded})
	if err != nil {
		r.log.Error("failed to encode relay message", zap.Error(err))
		return
	}
	select {
	case r.outbox <- outgoing{channelID: channelID, payload: payload}:
	default:
		metrics.RelayDropped.Inc()
		r.log.Warn("relay outbox full, dropping update", zap.String("channel", channelID))
	}
}

// Run subscribes to every channel under the prefix and forwards remote
// updates to apply until ctx is done.
func (r *Relay) Run(ctx context.Context, apply func(channelID, encoded string)) error {
	sub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s*: %w", r.prefix, err)
	}
	r.log.Info("relay subscribed", zap.String("pattern", r.prefix+"*"), zap.String("instance", r.instance))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-r.outbox:
			if err := r.rdb.Publish(ctx, r.prefix+out.channelID, out.payload).Err(); err != nil {
				r.log.Warn("failed to publish update", zap.String("channel", out.channelID), zap.Error(err))
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(msg.Channel, msg.Payload, apply)
		}
	}
}

func (r *Relay) handle(channel, payload string, apply func(channelID, encoded string)) {
	channelID, ok := strings.CutPrefix(channel, r.prefix)
	if !ok || channelID == "" {
		return
	}
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.log.Warn("ignoring undecodable relay message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if m.Instance == r.instance {
		return
	}
	metrics.RelayReceived.Inc()
	apply(channelID, m.Update)
}
