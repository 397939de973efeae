package chunkstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/chunklog"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/message"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/rzbill/relay/pkg/log"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default().Stream
	return NewStore(client, chunklog.NewLog(db), cfg, log.NewNop()), mr
}

func chunk(messageID string, index int, content string) message.StreamChunk {
	return message.StreamChunk{
		MessageID: messageID,
		Index:     index,
		Content:   content,
		Type:      message.ChunkText,
		Timestamp: time.Now(),
	}
}

func TestAppendAndRange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, chunk("m1", i, fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	n, err := s.Count(ctx, "m1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("want 5 chunks, got %d", n)
	}

	got, err := s.Range(ctx, "m1", 2, 4)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 || got[0].Index != 2 || got[1].Index != 3 {
		t.Fatalf("range [2,4): %+v", got)
	}

	all, err := s.All(ctx, "m1")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 5 || all[0].Content != "c0" {
		t.Fatalf("all: %+v", all)
	}
}

func TestRangeUnknownMessage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	got, err := s.Range(ctx, "nope", 0, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("want empty non-nil slice, got %v", got)
	}
	if got, _ := s.Range(ctx, "nope", 4, 4); len(got) != 0 {
		t.Fatalf("empty window should be empty")
	}
}

func TestAppendWritesThrough(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, chunk("m1", 0, "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	durable, err := s.Durable().All("m1")
	if err != nil {
		t.Fatalf("durable read: %v", err)
	}
	if len(durable) != 1 || durable[0].Content != "hello" {
		t.Fatalf("durable tier missing chunk: %+v", durable)
	}
}

func TestMarkComplete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, chunk("m1", 0, "x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	done, err := s.IsComplete(ctx, "m1")
	if err != nil || done {
		t.Fatalf("premature completion: done=%v err=%v", done, err)
	}

	if err := s.MarkComplete(ctx, "m1", time.Minute); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	done, err = s.IsComplete(ctx, "m1")
	if err != nil {
		t.Fatalf("is complete: %v", err)
	}
	if !done {
		t.Fatalf("completion marker missing")
	}
	if ttl := mr.TTL(keyChunks("m1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("chunk list ttl not rebound: %v", ttl)
	}

	// retention expiry clears the cache tier but not the durable log
	mr.FastForward(2 * time.Minute)
	n, err := s.Count(ctx, "m1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("cache should be empty after retention, got %d", n)
	}
	durable, err := s.Durable().All("m1")
	if err != nil || len(durable) != 1 {
		t.Fatalf("durable tier must survive retention: %v %v", durable, err)
	}
}

func TestChunkTTLRefreshedOnAppend(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, chunk("m1", 0, "x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ttl := mr.TTL(keyChunks("m1")); ttl <= 0 {
		t.Fatalf("chunk list has no ttl")
	}
}
