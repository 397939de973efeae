package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/pkg/log"
)

// EventType names a fan-out event.
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

func channelFor(sessionID string, t EventType) string {
	return "stream:channel:" + sessionID + ":" + string(t)
}

// Envelope is the wire shape published on the per-session channels.
type Envelope struct {
	Type      EventType            `json:"type"`
	SessionID string               `json:"sessionId"`
	MessageID string               `json:"messageId,omitempty"`
	Chunk     *message.StreamChunk `json:"chunk,omitempty"`
	Message   *message.Message     `json:"message,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

// Handler receives envelopes for one subscription, in publish order.
type Handler func(Envelope)

// Bus fans stream events out to every node with a subscriber for the
// session. Publishes are fire-and-forget: a session with no listeners drops
// its events, late subscribers recover through the reconnect path instead.
type Bus struct {
	rdb *redis.Client
	lg  log.Logger
}

// NewBus wraps the shared Redis client.
func NewBus(rdb *redis.Client, lg log.Logger) *Bus {
	return &Bus{rdb: rdb, lg: lg.WithComponent("fanout")}
}

// PublishChunk fans out one streamed chunk.
func (b *Bus) PublishChunk(ctx context.Context, sessionID string, c message.StreamChunk) {
	b.publish(ctx, Envelope{
		Type:      EventChunk,
		SessionID: sessionID,
		MessageID: c.MessageID,
		Chunk:     &c,
	})
}

// PublishComplete fans out stream completion with the finalized message.
func (b *Bus) PublishComplete(ctx context.Context, sessionID string, m message.Message) {
	b.publish(ctx, Envelope{
		Type:      EventComplete,
		SessionID: sessionID,
		MessageID: m.ID,
		Message:   &m,
	})
}

// PublishError fans out a stream failure.
func (b *Bus) PublishError(ctx context.Context, sessionID, messageID, errMsg string) {
	b.publish(ctx, Envelope{
		Type:      EventError,
		SessionID: sessionID,
		MessageID: messageID,
		Error:     errMsg,
	})
}

func (b *Bus) publish(ctx context.Context, env Envelope) {
	env.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(env)
	if err != nil {
		b.lg.Error("marshal fanout envelope", log.Str("session_id", env.SessionID), log.Err(err))
		return
	}
	if err := b.rdb.Publish(ctx, channelFor(env.SessionID, env.Type), payload).Err(); err != nil {
		b.lg.Warn("publish fanout event",
			log.Str("session_id", env.SessionID), log.Str("type", string(env.Type)), log.Err(err))
	}
}

// Subscription is one listener on a session's channels.
type Subscription struct {
	ps     *redis.PubSub
	closed sync.Once
}

// Close tears the subscription down. The delivery goroutine drains and
// exits on its own; Close does not wait for it, so it is safe to call from
// inside a handler.
func (s *Subscription) Close() error {
	var err error
	s.closed.Do(func() {
		err = s.ps.Close()
	})
	return err
}

// Subscribe registers a handler for every event of one session. Each
// subscription gets its own delivery goroutine, so a slow handler delays
// only its own subscriber while keeping that subscriber's events in order.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, h Handler) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx,
		channelFor(sessionID, EventChunk),
		channelFor(sessionID, EventComplete),
		channelFor(sessionID, EventError),
	)
	// force the SUBSCRIBE round-trip so a broken connection surfaces here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &Subscription{ps: ps}
	go func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.lg.Warn("skipping undecodable fanout event", log.Str("session_id", sessionID), log.Err(err))
				continue
			}
			h(env)
		}
	}()
	return sub, nil
}
