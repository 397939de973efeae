package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/chunklog"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/message"
	redisstore "github.com/rzbill/relay/internal/storage/redis"
	"github.com/rzbill/relay/pkg/log"
)

// ErrUnavailable marks a Redis-side failure. Callers with a durable fallback
// can match on it and read from the chunk log instead.
var ErrUnavailable = errors.New("chunkstore: cache tier unavailable")

// StatusCompleted is the metadata marker value for a finished stream.
const StatusCompleted = "COMPLETED"

// Store is the shared chunk cache. The fast tier is a Redis list per message
// (list position == chunk index); every append is written through to the
// durable chunk log so the stream survives cache expiry.
type Store struct {
	rdb *redis.Client
	dur *chunklog.Log
	cfg config.Stream
	lg  log.Logger
}

// NewStore wires the cache tier over Redis with a durable write-through.
func NewStore(rdb *redis.Client, dur *chunklog.Log, cfg config.Stream, lg log.Logger) *Store {
	return &Store{rdb: rdb, dur: dur, cfg: cfg, lg: lg.WithComponent("chunkstore")}
}

// Append stores one chunk at the tail of its message's list. Appends across
// nodes are serialized by a short per-message lease so concurrent recovery
// writers cannot interleave. Failure to reach Redis is fatal for the stream;
// failure of the durable write-through is logged and absorbed.
func (s *Store) Append(ctx context.Context, c message.StreamChunk) error {
	lease, err := redisstore.Acquire(ctx, s.rdb, keyAppendLock(c.MessageID), s.cfg.AppendLockWait.Std(), s.cfg.AppendLockHold.Std())
	if err != nil {
		return fmt.Errorf("%w: append lock %s: %v", ErrUnavailable, c.MessageID, err)
	}
	defer func() { _ = lease.Release(ctx) }()

	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chunk %s/%d: %w", c.MessageID, c.Index, err)
	}

	n, err := s.rdb.RPush(ctx, keyChunks(c.MessageID), b).Result()
	if err != nil {
		return fmt.Errorf("%w: rpush %s: %v", ErrUnavailable, c.MessageID, err)
	}
	// list position and chunk index must agree; a mismatch means a gap or a
	// duplicate upstream, worth surfacing but not worth failing the stream
	if int(n-1) != c.Index {
		s.lg.Warn("chunk index does not match list position",
			log.Str("message_id", c.MessageID), log.Int("index", c.Index), log.Int64("position", n-1))
	}
	if err := s.rdb.Expire(ctx, keyChunks(c.MessageID), s.cfg.ChunkTTL.Std()).Err(); err != nil {
		s.lg.Warn("refresh chunk ttl", log.Str("message_id", c.MessageID), log.Err(err))
	}

	if s.dur != nil {
		if err := s.dur.Append(ctx, c.MessageID, []message.StreamChunk{c}); err != nil {
			s.lg.Warn("durable write-through failed", log.Str("message_id", c.MessageID), log.Int("index", c.Index), log.Err(err))
		}
	}
	return nil
}

// Range returns the chunks with index in [from, to), ordered. An unknown or
// expired message yields an empty slice, not an error.
func (s *Store) Range(ctx context.Context, messageID string, from, to int) ([]message.StreamChunk, error) {
	if from < 0 {
		from = 0
	}
	if to <= from {
		return []message.StreamChunk{}, nil
	}
	raw, err := s.rdb.LRange(ctx, keyChunks(messageID), int64(from), int64(to-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lrange %s: %v", ErrUnavailable, messageID, err)
	}
	return s.decode(messageID, raw), nil
}

// All returns every cached chunk for a message, ordered.
func (s *Store) All(ctx context.Context, messageID string) ([]message.StreamChunk, error) {
	raw, err := s.rdb.LRange(ctx, keyChunks(messageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lrange %s: %v", ErrUnavailable, messageID, err)
	}
	return s.decode(messageID, raw), nil
}

// Count returns the number of cached chunks for a message.
func (s *Store) Count(ctx context.Context, messageID string) (int, error) {
	n, err := s.rdb.LLen(ctx, keyChunks(messageID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen %s: %v", ErrUnavailable, messageID, err)
	}
	return int(n), nil
}

// MarkComplete atomically writes the completion marker and rebounds the
// chunk list's TTL to the completed-retention window. The marker and the
// TTL move together or not at all.
func (s *Store) MarkComplete(ctx context.Context, messageID string, retention time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyMetadata(messageID), StatusCompleted, retention)
		p.Expire(ctx, keyChunks(messageID), retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: mark complete %s: %v", ErrUnavailable, messageID, err)
	}
	if s.dur != nil {
		if err := s.dur.MarkComplete(ctx, messageID, time.Now()); err != nil {
			s.lg.Warn("durable completion marker failed", log.Str("message_id", messageID), log.Err(err))
		}
	}
	return nil
}

// IsComplete reports whether the completion marker is present.
func (s *Store) IsComplete(ctx context.Context, messageID string) (bool, error) {
	v, err := s.rdb.Get(ctx, keyMetadata(messageID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: get metadata %s: %v", ErrUnavailable, messageID, err)
	}
	return v == StatusCompleted, nil
}

// Durable exposes the write-through log for fallback reads. Nil when the
// store runs cache-only.
func (s *Store) Durable() *chunklog.Log { return s.dur }

func (s *Store) decode(messageID string, raw []string) []message.StreamChunk {
	out := make([]message.StreamChunk, 0, len(raw))
	for i, v := range raw {
		var c message.StreamChunk
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			s.lg.Warn("skipping undecodable chunk", log.Str("message_id", messageID), log.Int("position", i), log.Err(err))
			continue
		}
		out = append(out, c)
	}
	return out
}
