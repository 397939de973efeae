package ws

import (
	"encoding/json"
	"time"

	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/recovery"
)

// Message types, server to client.
const (
	TypeWelcome        = "welcome"
	TypeChunk          = "chunk"
	TypeComplete       = "complete"
	TypeError          = "error"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeRecoveryStatus = "recovery_status"
)

// Message types, client to server.
const (
	TypeChatRequest  = "chat_request"
	TypeReconnect    = "reconnect"
	TypeCancelStream = "cancel_stream"
	TypeHeartbeat    = "heartbeat"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// ReconnectData is the payload of a client reconnect message.
type ReconnectData struct {
	MessageID       string `json:"messageId"`
	LastChunkIndex  int    `json:"lastChunkIndex"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
}

func envelope(typ, sessionID string) Message {
	return Message{Type: typ, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
}

func marshal(m Message) []byte {
	b, _ := json.Marshal(m)
	return b
}

func welcomeMsg(sessionID string) []byte {
	return marshal(envelope(TypeWelcome, sessionID))
}

func chunkMsg(sessionID string, c message.StreamChunk) []byte {
	m := envelope(TypeChunk, sessionID)
	m.MessageID = c.MessageID
	m.Data, _ = json.Marshal(c)
	return marshal(m)
}

func completeMsg(sessionID string, final message.Message, history bool) []byte {
	m := envelope(TypeComplete, sessionID)
	m.MessageID = final.ID
	m.Data, _ = json.Marshal(final)
	if history {
		m.Metadata = map[string]any{"history": true}
	}
	return marshal(m)
}

func errorMsg(sessionID, messageID, errText string) []byte {
	m := envelope(TypeError, sessionID)
	m.MessageID = messageID
	m.Error = errText
	return marshal(m)
}

func heartbeatAckMsg(sessionID string) []byte {
	return marshal(envelope(TypeHeartbeatAck, sessionID))
}

func recoveryStatusMsg(sessionID string, resp recovery.Response) []byte {
	m := envelope(TypeRecoveryStatus, sessionID)
	m.Metadata = map[string]any{
		"status":          string(resp.Status),
		"chunksRecovered": resp.ChunksRecovered,
		"shouldReconnect": resp.ShouldReconnect,
	}
	if resp.Reason != "" {
		m.Error = resp.Reason
	}
	return marshal(m)
}
