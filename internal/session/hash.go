package session

import (
	"strconv"
	"time"

	"github.com/rzbill/relay/internal/message"
)

// The Redis tier stores sessions as hashes (stream:session:{sessionId}),
// one field per attribute, matching what the other relay nodes read.

func hashFromSession(s *message.Session) map[string]interface{} {
	return map[string]interface{}{
		"sessionId":        s.SessionID,
		"messageId":        s.MessageID,
		"userId":           s.UserID,
		"conversationId":   s.ConversationID,
		"status":           string(s.Status),
		"startTime":        strconv.FormatInt(s.StartTime.UnixMilli(), 10),
		"lastActivityTime": strconv.FormatInt(s.LastActivityTime.UnixMilli(), 10),
		"totalChunks":      strconv.Itoa(s.TotalChunks),
		"model":            s.Metadata.Model,
		"tokenCount":       strconv.Itoa(s.Metadata.TokenCount),
	}
}

func sessionFromHash(h map[string]string) (message.Session, bool) {
	if len(h) == 0 || h["sessionId"] == "" {
		return message.Session{}, false
	}
	s := message.Session{
		SessionID:      h["sessionId"],
		MessageID:      h["messageId"],
		UserID:         h["userId"],
		ConversationID: h["conversationId"],
		Status:         message.SessionStatus(h["status"]),
	}
	if ms, err := strconv.ParseInt(h["startTime"], 10, 64); err == nil {
		s.StartTime = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(h["lastActivityTime"], 10, 64); err == nil {
		s.LastActivityTime = time.UnixMilli(ms)
	}
	if n, err := strconv.Atoi(h["totalChunks"]); err == nil {
		s.TotalChunks = n
	}
	s.Metadata.Model = h["model"]
	if n, err := strconv.Atoi(h["tokenCount"]); err == nil {
		s.Metadata.TokenCount = n
	}
	return s, true
}
