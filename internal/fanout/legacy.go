package fanout

import (
	"context"
	"encoding/json"

	"github.com/rzbill/relay/pkg/log"
)

// ChatMessage is the upstream producer's wire shape on chat:stream:{sessionId}.
// Producers send cumulative content plus the latest delta; the coordinator
// only consumes the delta and rebuilds cumulative text itself.
type ChatMessage struct {
	MessageID  string `json:"messageId"`
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Chunk      string `json:"chunk"`
	Timestamp  int64  `json:"timestamp"`
	IsComplete bool   `json:"isComplete"`
}

func upstreamChannel(sessionID string) string { return "chat:stream:" + sessionID }

// SubscribeUpstream listens to the producer channel for one session. The
// handler runs on a dedicated goroutine in publish order. Messages that do
// not decode are dropped with a warning; the producer owns its own schema.
func (b *Bus) SubscribeUpstream(ctx context.Context, sessionID string, h func(ChatMessage)) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, upstreamChannel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &Subscription{ps: ps}
	go func() {
		for msg := range ps.Channel() {
			var cm ChatMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				b.lg.Warn("skipping undecodable producer message", log.Str("session_id", sessionID), log.Err(err))
				continue
			}
			h(cm)
		}
	}()
	return sub, nil
}
