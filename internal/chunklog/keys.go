package chunklog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - chunk/{messageId}/m               (message metadata: chunk count)
// - chunk/{messageId}/e/{index_be8}   (entries)
// - done/{completedAt_be8}/{messageId} (completion index for retention trims)

var (
	sep         = byte('/')
	chunkPrefix = []byte("chunk/")
	donePrefix  = []byte("done/")
	metaSuffix  = []byte("/m")
	entrySeg    = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyMeta builds the per-message metadata key.
func KeyMeta(messageID string) []byte {
	k := make([]byte, 0, len(chunkPrefix)+len(messageID)+2)
	k = append(k, chunkPrefix...)
	k = append(k, messageID...)
	k = append(k, metaSuffix...)
	return k
}

// KeyEntry builds the entry key with a big-endian index for proper ordering.
func KeyEntry(messageID string, index uint64) []byte {
	k := make([]byte, 0, len(chunkPrefix)+len(messageID)+16)
	k = append(k, chunkPrefix...)
	k = append(k, messageID...)
	k = append(k, entrySeg...)
	k = appendBE8(k, index)
	return k
}

// KeyMessagePrefix returns the range prefix covering everything stored for
// one message.
func KeyMessagePrefix(messageID string) []byte {
	k := make([]byte, 0, len(chunkPrefix)+len(messageID)+1)
	k = append(k, chunkPrefix...)
	k = append(k, messageID...)
	k = append(k, sep)
	return k
}

// KeyDone builds the completion index key, ordered by completion time so
// retention trims are a bounded range scan.
func KeyDone(completedAtMs int64, messageID string) []byte {
	k := make([]byte, 0, len(donePrefix)+len(messageID)+9)
	k = append(k, donePrefix...)
	k = appendBE8(k, uint64(completedAtMs))
	k = append(k, sep)
	k = append(k, messageID...)
	return k
}
