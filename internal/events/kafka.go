package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/pkg/log"
)

// Kafka publishes lifecycle events to {topicPrefix}.stream-events, keyed by
// session so one session's events stay in partition order. Writes are async;
// failures are logged through the completion callback and otherwise dropped.
type Kafka struct {
	w      *kafka.Writer
	nodeID string
	lg     log.Logger
}

// NewKafka builds the sink from config. Call only when brokers are set.
func NewKafka(cfg config.Events, nodeID string, lg log.Logger) *Kafka {
	lg = lg.WithComponent("events")
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicPrefix + ".stream-events",
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				lg.Warn("event publish failed", log.Int("count", len(msgs)), log.Err(err))
			}
		},
	}
	return &Kafka{w: w, nodeID: nodeID, lg: lg}
}

func (k *Kafka) emit(ctx context.Context, e Event) {
	if e.NodeID == "" {
		e.NodeID = k.nodeID
	}
	payload, err := json.Marshal(e)
	if err != nil {
		k.lg.Error("marshal event", log.Str("type", string(e.Type)), log.Err(err))
		return
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.SessionID),
		Value: payload,
	})
	if err != nil {
		k.lg.Warn("enqueue event", log.Str("type", string(e.Type)), log.Err(err))
	}
}

func (k *Kafka) SessionStarted(ctx context.Context, s *message.Session, nodeID string) {
	e := fromSession(TypeSessionStarted, s)
	e.NodeID = nodeID
	k.emit(ctx, e)
}

func (k *Kafka) ChunkReceived(ctx context.Context, s *message.Session, index int) {
	e := fromSession(TypeChunkReceived, s)
	e.ChunkIndex = index
	k.emit(ctx, e)
}

func (k *Kafka) StreamCompleted(ctx context.Context, s *message.Session, chunkCount int) {
	e := fromSession(TypeStreamCompleted, s)
	e.ChunkCount = chunkCount
	k.emit(ctx, e)
}

func (k *Kafka) StreamErrored(ctx context.Context, s *message.Session, errMsg string) {
	e := fromSession(TypeStreamErrored, s)
	e.Error = errMsg
	k.emit(ctx, e)
}

func (k *Kafka) MessagePersisted(ctx context.Context, m *message.Message) {
	k.emit(ctx, Event{
		Type:           TypeMessagePersisted,
		MessageID:      m.ID,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		ChunkCount:     m.Metadata.ChunkCount,
		Timestamp:      time.Now().UnixMilli(),
	})
}

func (k *Kafka) Close() error { return k.w.Close() }
