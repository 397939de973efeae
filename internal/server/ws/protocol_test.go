package ws

import (
	"encoding/json"
	"testing"

	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/recovery"
)

func TestChunkMsgRoundTrip(t *testing.T) {
	c := message.StreamChunk{MessageID: "m1", Index: 3, Content: "wor", Type: message.ChunkText}
	raw := chunkMsg("s1", c)

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type != TypeChunk || m.SessionID != "s1" || m.MessageID != "m1" {
		t.Fatalf("envelope: %+v", m)
	}
	if m.Timestamp == 0 {
		t.Fatalf("timestamp not stamped")
	}
	var got message.StreamChunk
	if err := json.Unmarshal(m.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got.Index != 3 || got.Content != "wor" {
		t.Fatalf("chunk: %+v", got)
	}
}

func TestRecoveryStatusMsg(t *testing.T) {
	raw := recoveryStatusMsg("s1", recovery.Response{
		Status:          recovery.StatusRecovered,
		ChunksRecovered: 3,
		ShouldReconnect: true,
	})
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type != TypeRecoveryStatus {
		t.Fatalf("type: %s", m.Type)
	}
	if m.Metadata["status"] != "RECOVERED" {
		t.Fatalf("status: %v", m.Metadata["status"])
	}
	if n, ok := m.Metadata["chunksRecovered"].(float64); !ok || n != 3 {
		t.Fatalf("count: %v", m.Metadata["chunksRecovered"])
	}
}

func TestHistoryFlag(t *testing.T) {
	raw := completeMsg("s1", message.Message{ID: "m1", Content: "old turn"}, true)
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Metadata["history"] != true {
		t.Fatalf("history flag missing: %+v", m.Metadata)
	}

	raw = completeMsg("s1", message.Message{ID: "m1"}, false)
	m = Message{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m.Metadata["history"]; ok {
		t.Fatalf("live completion must not carry the history flag")
	}
}

func TestTokenValidation(t *testing.T) {
	if !validToken("", "u1", "anything") {
		t.Fatalf("empty secret must disable auth")
	}
	tok := Token("secret", "u1")
	if !validToken("secret", "u1", tok) {
		t.Fatalf("valid token rejected")
	}
	if validToken("secret", "u1", "forged") {
		t.Fatalf("forged token accepted")
	}
	if validToken("secret", "u2", tok) {
		t.Fatalf("token bound to the wrong user accepted")
	}
}
