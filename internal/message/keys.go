package message

import "encoding/binary"

// Keyspace helpers for the durable tier.
//
// Layout (byte-wise, lexicographically sortable):
// - msg/{messageId}
// - conv/{conversationId}/{createdAt_be8}/{messageId}
// - sess/{sessionId}

var (
	sep        = byte('/')
	msgPrefix  = []byte("msg/")
	convPrefix = []byte("conv/")
	sessPrefix = []byte("sess/")
)

// KeyMessage builds the durable message key.
func KeyMessage(messageID string) []byte {
	k := make([]byte, 0, len(msgPrefix)+len(messageID))
	k = append(k, msgPrefix...)
	k = append(k, messageID...)
	return k
}

// KeyConversationIndex builds the per-conversation index key, ordered by
// creation time so history reads are a bounded range scan.
func KeyConversationIndex(conversationID string, createdAtMs int64, messageID string) []byte {
	k := make([]byte, 0, len(convPrefix)+len(conversationID)+len(messageID)+10)
	k = append(k, convPrefix...)
	k = append(k, conversationID...)
	k = append(k, sep)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(createdAtMs))
	k = append(k, b[:]...)
	k = append(k, sep)
	k = append(k, messageID...)
	return k
}

// KeyConversationPrefix returns the range prefix for one conversation.
func KeyConversationPrefix(conversationID string) []byte {
	k := make([]byte, 0, len(convPrefix)+len(conversationID)+1)
	k = append(k, convPrefix...)
	k = append(k, conversationID...)
	k = append(k, sep)
	return k
}

// KeySession builds the durable session key.
func KeySession(sessionID string) []byte {
	k := make([]byte, 0, len(sessPrefix)+len(sessionID))
	k = append(k, sessPrefix...)
	k = append(k, sessionID...)
	return k
}
