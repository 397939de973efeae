package events

import (
	"context"
	"time"

	"github.com/rzbill/relay/internal/message"
)

// Type names a stream lifecycle event.
type Type string

const (
	TypeSessionStarted   Type = "session_started"
	TypeChunkReceived    Type = "chunk_received"
	TypeStreamCompleted  Type = "stream_completed"
	TypeStreamErrored    Type = "stream_errored"
	TypeMessagePersisted Type = "message_persisted"
)

// Event is the audit record emitted on stream lifecycle transitions.
type Event struct {
	Type           Type   `json:"type"`
	SessionID      string `json:"sessionId"`
	MessageID      string `json:"messageId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	NodeID         string `json:"nodeId,omitempty"`
	ChunkIndex     int    `json:"chunkIndex,omitempty"`
	ChunkCount     int    `json:"chunkCount,omitempty"`
	Error          string `json:"error,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Publisher emits lifecycle events to the analytics sink. Implementations
// must never block the streaming path and never surface sink failures.
type Publisher interface {
	SessionStarted(ctx context.Context, s *message.Session, nodeID string)
	ChunkReceived(ctx context.Context, s *message.Session, index int)
	StreamCompleted(ctx context.Context, s *message.Session, chunkCount int)
	StreamErrored(ctx context.Context, s *message.Session, errMsg string)
	MessagePersisted(ctx context.Context, m *message.Message)
	Close() error
}

func fromSession(t Type, s *message.Session) Event {
	return Event{
		Type:           t,
		SessionID:      s.SessionID,
		MessageID:      s.MessageID,
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// Nop discards every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) SessionStarted(context.Context, *message.Session, string) {}
func (Nop) ChunkReceived(context.Context, *message.Session, int)     {}
func (Nop) StreamCompleted(context.Context, *message.Session, int)   {}
func (Nop) StreamErrored(context.Context, *message.Session, string)  {}
func (Nop) MessagePersisted(context.Context, *message.Message)       {}
func (Nop) Close() error                                             { return nil }
