package message

import (
	"sort"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a streaming session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "INITIALIZING"
	StatusStreaming    SessionStatus = "STREAMING"
	StatusCompleted    SessionStatus = "COMPLETED"
	StatusError        SessionStatus = "ERROR"
	StatusTimeout      SessionStatus = "TIMEOUT"
)

// Terminal reports whether no further chunks can arrive for this status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusTimeout
}

// StreamMetadata carries model-level details of the in-flight response.
type StreamMetadata struct {
	Model      string `json:"model,omitempty"`
	TokenCount int    `json:"tokenCount,omitempty"`
	LatencyMs  int64  `json:"latencyMs,omitempty"`
}

// Session is one logical streaming conversation turn. SessionID is stable
// across reconnects; MessageID identifies the in-flight assistant response
// and is reassigned per turn.
type Session struct {
	SessionID        string         `json:"sessionId"`
	MessageID        string         `json:"messageId"`
	UserID           string         `json:"userId"`
	ConversationID   string         `json:"conversationId"`
	Status           SessionStatus  `json:"status"`
	StartTime        time.Time      `json:"startTime"`
	LastActivityTime time.Time      `json:"lastActivityTime"`
	TotalChunks      int            `json:"totalChunks"`
	Metadata         StreamMetadata `json:"metadata"`
}

// ExpiredAfter reports whether the session has been inactive longer than ttl.
func (s *Session) ExpiredAfter(ttl time.Duration, now time.Time) bool {
	if s.LastActivityTime.IsZero() {
		return false
	}
	return now.Sub(s.LastActivityTime) > ttl
}

// ChunkType classifies one unit of streamed assistant output.
type ChunkType string

const (
	ChunkText     ChunkType = "TEXT"
	ChunkCode     ChunkType = "CODE"
	ChunkThinking ChunkType = "THINKING"
	ChunkToolUse  ChunkType = "TOOL_USE"
	ChunkCitation ChunkType = "CITATION"
)

// StreamChunk is one ordered unit of an assistant response. Content holds
// the incremental delta only; cumulative text is always rebuilt by ordered
// concatenation at read time.
type StreamChunk struct {
	MessageID string    `json:"messageId"`
	Index     int       `json:"index"`
	Content   string    `json:"content"`
	Type      ChunkType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role,omitempty"`
	IsFinal   bool      `json:"isFinal,omitempty"`
}

// MessageStatus marks the outcome of a finalized assistant turn.
type MessageStatus string

const (
	MessageCompleted MessageStatus = "COMPLETED"
	MessageFailed    MessageStatus = "FAILED"
)

// Metadata carries auxiliary details of a finalized message.
type Metadata struct {
	Model      string `json:"model,omitempty"`
	TokenCount int    `json:"tokenCount"`
	ChunkCount int    `json:"chunkCount,omitempty"`
}

// Message is the finalized assistant turn, reconstructed from chunks or
// read from durable storage.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	UserID         string        `json:"userId"`
	Role           string        `json:"role"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	Metadata       Metadata      `json:"metadata"`
}

// Reconstruct builds the finalized Message for messageID by concatenating
// chunk contents in index order. The result is byte-identical to the
// durably stored message for the same chunks.
func Reconstruct(messageID string, chunks []StreamChunk, s *Session) Message {
	ordered := make([]StreamChunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var b strings.Builder
	for _, c := range ordered {
		b.WriteString(c.Content)
	}
	m := Message{
		ID:        messageID,
		Role:      "assistant",
		Content:   b.String(),
		Status:    MessageCompleted,
		UpdatedAt: time.Now(),
		Metadata:  Metadata{ChunkCount: len(ordered)},
	}
	if s != nil {
		m.ConversationID = s.ConversationID
		m.UserID = s.UserID
		m.CreatedAt = s.StartTime
		m.Metadata.Model = s.Metadata.Model
		m.Metadata.TokenCount = s.Metadata.TokenCount
	}
	return m
}
