package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/chunklog"
	"github.com/rzbill/relay/internal/chunkstore"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/events"
	"github.com/rzbill/relay/internal/fanout"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/session"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/rzbill/relay/pkg/log"
)

type harness struct {
	coord    *Coordinator
	registry *session.Registry
	durable  *message.Store
	client   *redis.Client
}

func newHarness(t *testing.T, mr *miniredis.Miniredis, nodeID string) *harness {
	return newHarnessWith(t, mr, nodeID, nil)
}

func newHarnessWith(t *testing.T, mr *miniredis.Miniredis, nodeID string, tune func(*config.Config)) *harness {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	if tune != nil {
		tune(&cfg)
	}
	lg := log.NewNop()
	durable := message.NewStore(db)
	registry := session.NewRegistry(client, durable, nodeID, cfg, lg)
	store := chunkstore.NewStore(client, chunklog.NewLog(db), cfg.Stream, lg)
	bus := fanout.NewBus(client, lg)

	return &harness{
		coord:    New(registry, store, durable, bus, events.Nop{}, nil, cfg.Stream, lg),
		registry: registry,
		durable:  durable,
		client:   client,
	}
}

// sinkRecorder collects callback events for assertions.
type sinkRecorder struct {
	chunks   chan message.StreamChunk
	complete chan message.Message
	errs     chan string
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{
		chunks:   make(chan message.StreamChunk, 64),
		complete: make(chan message.Message, 4),
		errs:     make(chan string, 4),
	}
}

func (r *sinkRecorder) OnChunk(c message.StreamChunk)      { r.chunks <- c }
func (r *sinkRecorder) OnComplete(m message.Message)       { r.complete <- m }
func (r *sinkRecorder) OnError(_, _ string, errMsg string) { r.errs <- errMsg }

func (h *harness) sendDelta(t *testing.T, sessionID string, cm fanout.ChatMessage) {
	t.Helper()
	payload, _ := json.Marshal(cm)
	if err := h.client.Publish(context.Background(), "chat:stream:"+sessionID, payload).Err(); err != nil {
		t.Fatalf("publish delta: %v", err)
	}
}

func waitChunk(t *testing.T, r *sinkRecorder) message.StreamChunk {
	t.Helper()
	select {
	case c := <-r.chunks:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for chunk")
		return message.StreamChunk{}
	}
}

func TestStartLostRaceIsNoOp(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newHarness(t, mr, "node-a")
	b := newHarness(t, mr, "node-b")
	ctx := context.Background()

	ok, err := a.coord.Start(ctx, "s1", "u1", "c1", newSinkRecorder())
	if err != nil || !ok {
		t.Fatalf("first start: ok=%v err=%v", ok, err)
	}
	ok, err = b.coord.Start(ctx, "s1", "u1", "c1", newSinkRecorder())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if ok {
		t.Fatalf("second node must lose the race")
	}
	if b.coord.Active("s1") {
		t.Fatalf("loser must not register a context")
	}
	if !a.coord.Active("s1") {
		t.Fatalf("winner's context missing")
	}
}

func TestStreamEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, "node-a")
	ctx := context.Background()
	rec := newSinkRecorder()

	if ok, err := h.coord.Start(ctx, "s1", "u1", "c1", rec); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	parts := []string{"Hel", "lo ", "wor", "ld", "!"}
	cumulative := ""
	for i, p := range parts {
		cumulative += p
		h.sendDelta(t, "s1", fanout.ChatMessage{
			MessageID:  "m1",
			SessionID:  "s1",
			UserID:     "u1",
			Role:       "assistant",
			Content:    cumulative,
			Chunk:      p,
			Timestamp:  time.Now().UnixMilli(),
			IsComplete: i == len(parts)-1,
		})
	}

	for i, want := range parts {
		c := waitChunk(t, rec)
		if c.Index != i {
			t.Fatalf("chunk %d: got index %d", i, c.Index)
		}
		if c.Content != want {
			t.Fatalf("chunk %d: want delta %q, got %q", i, want, c.Content)
		}
		h.coord.Ack("s1")
	}

	select {
	case m := <-rec.complete:
		if m.Content != "Hello world!" {
			t.Fatalf("reconstructed content: %q", m.Content)
		}
		if m.Metadata.ChunkCount != 5 {
			t.Fatalf("chunk count: %d", m.Metadata.ChunkCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion")
	}

	// durable message matches the streamed concatenation
	m, ok, err := h.durable.GetMessage(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("durable message: ok=%v err=%v", ok, err)
	}
	if m.Content != "Hello world!" || m.Status != message.MessageCompleted {
		t.Fatalf("durable message: %+v", m)
	}

	// terminal session state is visible cluster-wide
	sess, ok, err := h.registry.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("session: ok=%v err=%v", ok, err)
	}
	if sess.Status != message.StatusCompleted || sess.TotalChunks != 5 {
		t.Fatalf("session: %+v", sess)
	}

	// context removed and claim released
	if h.coord.Active("s1") {
		t.Fatalf("context should be gone after completion")
	}
	other := newHarness(t, mr, "node-b")
	if ok, err := other.registry.ClaimOwnership(ctx, "s1"); err != nil || !ok {
		t.Fatalf("claim after completion should succeed: ok=%v err=%v", ok, err)
	}
}

func TestUserDeltasIgnored(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, "node-a")
	ctx := context.Background()
	rec := newSinkRecorder()

	if ok, _ := h.coord.Start(ctx, "s1", "u1", "c1", rec); !ok {
		t.Fatalf("start failed")
	}
	h.sendDelta(t, "s1", fanout.ChatMessage{MessageID: "m1", SessionID: "s1", Role: "user", Chunk: "hi there"})
	h.sendDelta(t, "s1", fanout.ChatMessage{MessageID: "m1", SessionID: "s1", Role: "assistant", Chunk: "hello"})

	c := waitChunk(t, rec)
	if c.Content != "hello" || c.Index != 0 {
		t.Fatalf("user delta leaked: %+v", c)
	}
}

func TestFailTearsDownOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, "node-a")
	ctx := context.Background()
	rec := newSinkRecorder()

	if ok, _ := h.coord.Start(ctx, "s1", "u1", "c1", rec); !ok {
		t.Fatalf("start failed")
	}
	h.sendDelta(t, "s1", fanout.ChatMessage{MessageID: "m1", SessionID: "s1", Role: "assistant", Chunk: "partial"})
	waitChunk(t, rec)

	h.coord.Fail(ctx, "s1", "upstream broke")
	select {
	case errMsg := <-rec.errs:
		if errMsg != "upstream broke" {
			t.Fatalf("error: %q", errMsg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error callback")
	}

	// second failure is a no-op
	h.coord.Fail(ctx, "s1", "again")
	select {
	case errMsg := <-rec.errs:
		t.Fatalf("error callback fired twice: %q", errMsg)
	case <-time.After(100 * time.Millisecond):
	}

	sess, ok, _ := h.registry.Get(ctx, "s1")
	if !ok || sess.Status != message.StatusError {
		t.Fatalf("session after failure: ok=%v %+v", ok, sess)
	}

	// claim is free again
	other := newHarness(t, mr, "node-b")
	if ok, err := other.registry.ClaimOwnership(ctx, "s1"); err != nil || !ok {
		t.Fatalf("claim after error should succeed: ok=%v err=%v", ok, err)
	}
}

func TestTimeoutStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, "node-a")
	ctx := context.Background()
	rec := newSinkRecorder()

	if ok, _ := h.coord.Start(ctx, "s1", "u1", "c1", rec); !ok {
		t.Fatalf("start failed")
	}
	h.coord.Timeout(ctx, "s1")

	select {
	case <-rec.errs:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error callback")
	}
	sess, ok, _ := h.registry.Get(ctx, "s1")
	if !ok || sess.Status != message.StatusTimeout {
		t.Fatalf("session after timeout: ok=%v %+v", ok, sess)
	}
}

func TestResubscribeReceivesLiveChunks(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newHarness(t, mr, "node-a")
	listener := newHarness(t, mr, "node-b")
	ctx := context.Background()
	ownerRec := newSinkRecorder()

	if ok, _ := owner.coord.Start(ctx, "s1", "u1", "c1", ownerRec); !ok {
		t.Fatalf("start failed")
	}

	listenerRec := newSinkRecorder()
	sub, err := listener.coord.Resubscribe(ctx, "s1", listenerRec)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer sub.Close()

	owner.sendDelta(t, "s1", fanout.ChatMessage{MessageID: "m1", SessionID: "s1", Role: "assistant", Chunk: "hi"})

	if c := waitChunk(t, ownerRec); c.Content != "hi" {
		t.Fatalf("owner chunk: %+v", c)
	}
	if c := waitChunk(t, listenerRec); c.Content != "hi" || c.Index != 0 {
		t.Fatalf("listener chunk: %+v", c)
	}
}

func TestBackpressureDelaysIngestUntilAcked(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarnessWith(t, mr, "node-a", func(c *config.Config) {
		c.Stream.MaxPendingChunks = 2
		c.Stream.BackpressureDelay = config.Duration(40 * time.Millisecond)
	})
	ctx := context.Background()
	rec := newSinkRecorder()

	if ok, err := h.coord.Start(ctx, "s1", "u1", "c1", rec); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	start := time.Now()
	for i := 0; i < 6; i++ {
		h.sendDelta(t, "s1", fanout.ChatMessage{
			MessageID: "m1",
			SessionID: "s1",
			Role:      "assistant",
			Chunk:     fmt.Sprintf("c%d", i),
			Timestamp: time.Now().UnixMilli(),
		})
	}
	// no acks: once pending passes the threshold every further delta pays
	// the ingest delay, so the tail chunks cannot arrive early
	for i := 0; i < 6; i++ {
		if c := waitChunk(t, rec); c.Index != i {
			t.Fatalf("chunk %d: got index %d", i, c.Index)
		}
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("ingest finished in %v, backpressure delay never engaged", elapsed)
	}

	// acking drains the window and the stream can still finish
	for i := 0; i < 6; i++ {
		h.coord.Ack("s1")
	}
	h.sendDelta(t, "s1", fanout.ChatMessage{
		MessageID:  "m1",
		SessionID:  "s1",
		Role:       "assistant",
		Chunk:      "!",
		Timestamp:  time.Now().UnixMilli(),
		IsComplete: true,
	})
	if c := waitChunk(t, rec); c.Index != 6 {
		t.Fatalf("final chunk: %+v", c)
	}
	select {
	case <-rec.complete:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion")
	}
}

func TestCompletionStatusWriteFailureRoutesToError(t *testing.T) {
	mr := miniredis.RunT(t)
	mrReg := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	regClient := redis.NewClient(&redis.Options{Addr: mrReg.Addr()})
	t.Cleanup(func() { _ = regClient.Close() })

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	lg := log.NewNop()
	durable := message.NewStore(db)
	registry := session.NewRegistry(regClient, durable, "node-a", cfg, lg)
	store := chunkstore.NewStore(client, chunklog.NewLog(db), cfg.Stream, lg)
	bus := fanout.NewBus(client, lg)
	coord := New(registry, store, durable, bus, events.Nop{}, nil, cfg.Stream, lg)

	ctx := context.Background()
	rec := newSinkRecorder()
	if ok, err := coord.Start(ctx, "s1", "u1", "c1", rec); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	payload, _ := json.Marshal(fanout.ChatMessage{
		MessageID: "m1", SessionID: "s1", Role: "assistant",
		Chunk: "hi", Timestamp: time.Now().UnixMilli(),
	})
	if err := client.Publish(ctx, "chat:stream:s1", payload).Err(); err != nil {
		t.Fatalf("publish delta: %v", err)
	}
	waitChunk(t, rec)

	// registry tier goes dark right before the final status write
	mrReg.SetError("registry down")
	sctx := coord.lookup("s1")
	if sctx == nil {
		t.Fatalf("no stream context for s1")
	}
	coord.complete(ctx, sctx)

	select {
	case reason := <-rec.errs:
		if !strings.Contains(reason, "final session update failed") {
			t.Fatalf("error reason: %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error callback")
	}
	select {
	case m := <-rec.complete:
		t.Fatalf("completion must not be delivered: %+v", m)
	default:
	}
	if coord.Active("s1") {
		t.Fatalf("context should be torn down")
	}
}
