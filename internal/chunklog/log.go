package chunklog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/relay/internal/message"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

// Log is the durable chunk tier. Chunks are written through here as they
// stream, keyed by message and index, so recovery can replay ordered ranges
// after the cache tiers expire.
type Log struct {
	db *pebblestore.DB

	mu sync.Mutex // serializes meta read-modify-write across appends
}

// NewLog wraps the durable DB.
func NewLog(db *pebblestore.DB) *Log {
	return &Log{db: db}
}

// Append writes the chunks as a single atomic batch and advances the chunk
// count for their message. Indices come in on the chunks; the log does not
// assign them.
func (l *Log) Append(ctx context.Context, messageID string, chunks []message.StreamChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.countLocked(messageID)
	if err != nil {
		return err
	}

	b := l.db.NewBatch()
	defer b.Close()

	for _, c := range chunks {
		if c.Index < 0 {
			return fmt.Errorf("chunk for message %s has negative index %d", messageID, c.Index)
		}
		if err := b.Set(KeyEntry(messageID, uint64(c.Index)), EncodeRecord(c), nil); err != nil {
			return err
		}
		if c.Index+1 > count {
			count = c.Index + 1
		}
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], uint64(count))
	if err := b.Set(KeyMeta(messageID), meta[:], nil); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

// Count returns the chunk count for a message, 0 when unknown.
func (l *Log) Count(messageID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(messageID)
}

func (l *Log) countLocked(messageID string) (int, error) {
	meta, err := l.db.Get(KeyMeta(messageID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(meta) < 8 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint64(meta[:8])), nil
}

// Range returns the chunks with index in [from, to), ordered ascending.
// Missing indices are skipped, not errors.
func (l *Log) Range(messageID string, from, to int) ([]message.StreamChunk, error) {
	if from < 0 {
		from = 0
	}
	if to <= from {
		return []message.StreamChunk{}, nil
	}
	low := KeyEntry(messageID, uint64(from))
	hi := KeyEntry(messageID, uint64(to))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]message.StreamChunk, 0, to-from)
	for ok := iter.First(); ok; ok = iter.Next() {
		c, okDec := DecodeRecord(messageID, iter.Value())
		if !okDec {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// All returns every stored chunk for a message, ordered ascending. Empty
// slice when the message is unknown.
func (l *Log) All(messageID string) ([]message.StreamChunk, error) {
	count, err := l.Count(messageID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []message.StreamChunk{}, nil
	}
	return l.Range(messageID, 0, count)
}

// MarkComplete records the completion time for a message so the retention
// sweep can reclaim its chunks later. Idempotent for the same instant.
func (l *Log) MarkComplete(ctx context.Context, messageID string, at time.Time) error {
	return l.db.Set(KeyDone(at.UnixMilli(), messageID), []byte(messageID))
}
