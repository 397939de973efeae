package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/relay/internal/chunkstore"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/events"
	"github.com/rzbill/relay/internal/fanout"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/session"
	"github.com/rzbill/relay/pkg/log"
)

// streamContext is the per-session state on the owning node. nextIndex is
// only ever advanced by the single upstream delivery goroutine; ownership
// exclusivity guarantees no second writer exists anywhere.
type streamContext struct {
	sessionID string
	cb        Callback
	upstream  *fanout.Subscription

	mu        sync.Mutex
	sess      message.Session
	nextIndex int
	done      bool

	pending atomic.Int64
}

// Analytics chunk events are sampled so a long stream emits a handful of
// progress markers rather than one event per delta.
const chunkEventSampleEvery = 50

// Coordinator drives the live streaming state machine for every session this
// node owns: claim, ingest, fan out, complete or fail, release.
type Coordinator struct {
	registry *session.Registry
	store    *chunkstore.Store
	durable  *message.Store
	bus      *fanout.Bus
	sink     events.Publisher
	sweeper  *session.Sweeper
	cfg      config.Stream
	lg       log.Logger

	mu       sync.Mutex
	contexts map[string]*streamContext
}

// New wires the coordinator. sink must be non-nil (use events.Nop{});
// sweeper may be nil when heartbeat tracking is disabled.
func New(registry *session.Registry, store *chunkstore.Store, durable *message.Store, bus *fanout.Bus, sink events.Publisher, sweeper *session.Sweeper, cfg config.Stream, lg log.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		store:    store,
		durable:  durable,
		bus:      bus,
		sink:     sink,
		sweeper:  sweeper,
		cfg:      cfg,
		lg:       lg.WithComponent("coordinator"),
		contexts: make(map[string]*streamContext),
	}
}

// Start claims the session and begins ingesting its upstream deltas. A lost
// claim race is not an error: Start returns (false, nil) with no side
// effects and another node handles the session.
func (c *Coordinator) Start(ctx context.Context, sessionID, userID, conversationID string, cb Callback) (bool, error) {
	ok, err := c.registry.ClaimOwnership(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	now := time.Now()
	sess := message.Session{
		SessionID:        sessionID,
		UserID:           userID,
		ConversationID:   conversationID,
		Status:           message.StatusInitializing,
		StartTime:        now,
		LastActivityTime: now,
	}
	if err := c.registry.Put(ctx, &sess); err != nil {
		_ = c.registry.ReleaseOwnership(ctx, sessionID)
		return false, err
	}

	sctx := &streamContext{sessionID: sessionID, cb: cb, sess: sess}
	c.mu.Lock()
	c.contexts[sessionID] = sctx
	c.mu.Unlock()

	sub, err := c.bus.SubscribeUpstream(ctx, sessionID, func(cm fanout.ChatMessage) {
		c.onUpstream(context.Background(), sessionID, cm)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.contexts, sessionID)
		c.mu.Unlock()
		_ = c.registry.Delete(ctx, sessionID)
		_ = c.registry.ReleaseOwnership(ctx, sessionID)
		return false, err
	}
	sctx.upstream = sub

	if c.sweeper != nil {
		c.sweeper.Track(sessionID)
	}
	c.sink.SessionStarted(ctx, &sess, c.registry.NodeID())
	c.lg.Info("session started", log.Str("session_id", sessionID), log.Str("user_id", userID))
	return true, nil
}

// Active reports whether this node currently owns a live context for the
// session.
func (c *Coordinator) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.contexts[sessionID]
	return ok
}

func (c *Coordinator) lookup(sessionID string) *streamContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts[sessionID]
}

// onUpstream is the per-chunk ingestion path. It runs on the upstream
// subscription's delivery goroutine, one message at a time.
func (c *Coordinator) onUpstream(ctx context.Context, sessionID string, cm fanout.ChatMessage) {
	sctx := c.lookup(sessionID)
	if sctx == nil {
		return
	}
	// only assistant output streams back; user echoes are dropped
	if cm.Role == "user" {
		return
	}

	sctx.mu.Lock()
	if sctx.done {
		sctx.mu.Unlock()
		return
	}
	if sctx.sess.MessageID == "" {
		sctx.sess.MessageID = cm.MessageID
	}
	if sctx.sess.Status == message.StatusInitializing {
		sctx.sess.Status = message.StatusStreaming
	}

	var chunk *message.StreamChunk
	if cm.Chunk != "" {
		ck := message.StreamChunk{
			MessageID: sctx.sess.MessageID,
			Index:     sctx.nextIndex,
			Content:   cm.Chunk,
			Type:      message.ChunkText,
			Timestamp: time.UnixMilli(cm.Timestamp),
			Role:      "assistant",
			IsFinal:   cm.IsComplete,
		}
		sctx.nextIndex++
		sctx.sess.TotalChunks = sctx.nextIndex
		chunk = &ck
	}
	sctx.sess.LastActivityTime = time.Now()
	sess := sctx.sess
	sctx.mu.Unlock()

	if chunk != nil {
		if err := c.store.Append(ctx, *chunk); err != nil {
			c.fail(ctx, sctx, "chunk append failed: "+err.Error())
			return
		}
		if err := c.registry.Put(ctx, &sess); err != nil {
			c.fail(ctx, sctx, "session update failed: "+err.Error())
			return
		}
		c.bus.PublishChunk(ctx, sessionID, *chunk)
		if chunk.Index%chunkEventSampleEvery == 0 {
			c.sink.ChunkReceived(ctx, &sess, chunk.Index)
		}
		sctx.pending.Add(1)
		sctx.cb.OnChunk(*chunk)

		// bounded pushback: when the sink lags too far behind, slow the
		// upstream pull instead of buffering without limit
		if c.cfg.MaxPendingChunks > 0 && sctx.pending.Load() > int64(c.cfg.MaxPendingChunks) {
			time.Sleep(c.cfg.BackpressureDelay.Std())
		}
	} else {
		if err := c.registry.Put(ctx, &sess); err != nil {
			c.fail(ctx, sctx, "session update failed: "+err.Error())
			return
		}
	}

	if cm.IsComplete {
		c.complete(ctx, sctx)
	}
}

// Ack tells the coordinator the connection flushed one chunk; it feeds the
// backpressure window.
func (c *Coordinator) Ack(sessionID string) {
	if sctx := c.lookup(sessionID); sctx != nil {
		sctx.pending.Add(-1)
	}
}

// Heartbeat records client liveness for an owned session.
func (c *Coordinator) Heartbeat(sessionID string) {
	if c.sweeper != nil {
		c.sweeper.Beat(sessionID)
	}
}

// complete finalizes the stream: marker, durable message, fan-out, teardown.
// Any failure in the sequence is redirected into the error path rather than
// leaving the session half-finished.
func (c *Coordinator) complete(ctx context.Context, sctx *streamContext) {
	sctx.mu.Lock()
	if sctx.done {
		sctx.mu.Unlock()
		return
	}
	sess := sctx.sess
	sctx.mu.Unlock()

	if err := c.store.MarkComplete(ctx, sess.MessageID, c.cfg.CompletedRetention.Std()); err != nil {
		c.fail(ctx, sctx, "mark complete failed: "+err.Error())
		return
	}
	chunks, err := c.store.All(ctx, sess.MessageID)
	if err != nil {
		c.fail(ctx, sctx, "chunk read failed: "+err.Error())
		return
	}
	m := message.Reconstruct(sess.MessageID, chunks, &sess)
	if c.durable != nil {
		if err := c.durable.SaveMessage(ctx, m); err != nil {
			c.fail(ctx, sctx, "message persist failed: "+err.Error())
			return
		}
		c.sink.MessagePersisted(ctx, &m)
	}

	// the COMPLETED status must reach the registry before the stream is
	// latched done; a failed write here routes to the error path so clients
	// are not told the stream finished while every tier still says STREAMING
	sctx.mu.Lock()
	if sctx.done {
		sctx.mu.Unlock()
		return
	}
	sess = sctx.sess
	sess.Status = message.StatusCompleted
	sess.LastActivityTime = time.Now()
	sctx.mu.Unlock()

	if err := c.registry.Put(ctx, &sess); err != nil {
		c.fail(ctx, sctx, "final session update failed: "+err.Error())
		return
	}

	sctx.mu.Lock()
	if sctx.done {
		sctx.mu.Unlock()
		return
	}
	sctx.done = true
	sctx.sess = sess
	sctx.mu.Unlock()

	c.bus.PublishComplete(ctx, sess.SessionID, m)
	sctx.cb.OnComplete(m)
	c.sink.StreamCompleted(ctx, &sess, len(chunks))
	c.teardown(ctx, sctx)
	c.lg.Info("session completed",
		log.Str("session_id", sess.SessionID), log.Str("message_id", sess.MessageID), log.Int("chunks", len(chunks)))
}

// Fail routes an externally detected failure through the error path.
func (c *Coordinator) Fail(ctx context.Context, sessionID, reason string) {
	if sctx := c.lookup(sessionID); sctx != nil {
		c.fail(ctx, sctx, reason)
	}
}

// Timeout is the heartbeat sweep's entry point: the session went silent, so
// it is torn down with TIMEOUT status instead of ERROR.
func (c *Coordinator) Timeout(ctx context.Context, sessionID string) {
	sctx := c.lookup(sessionID)
	if sctx == nil {
		return
	}
	c.finishWithStatus(ctx, sctx, message.StatusTimeout, "heartbeat timeout")
}

func (c *Coordinator) fail(ctx context.Context, sctx *streamContext, reason string) {
	c.finishWithStatus(ctx, sctx, message.StatusError, reason)
}

// finishWithStatus is the shared terminal-failure path. Reentrant-safe: the
// done flag makes a second invocation (including one from inside complete's
// own failure handling) a no-op.
func (c *Coordinator) finishWithStatus(ctx context.Context, sctx *streamContext, status message.SessionStatus, reason string) {
	sctx.mu.Lock()
	if sctx.done {
		sctx.mu.Unlock()
		return
	}
	sctx.done = true
	sctx.sess.Status = status
	sctx.sess.LastActivityTime = time.Now()
	sess := sctx.sess
	sctx.mu.Unlock()

	c.lg.Error("session failed",
		log.Str("session_id", sess.SessionID), log.Str("status", string(status)), log.Str("reason", reason))

	if err := c.registry.Put(ctx, &sess); err != nil {
		c.lg.Warn("session status update failed", log.Str("session_id", sess.SessionID), log.Err(err))
	}
	if c.durable != nil && sess.MessageID != "" {
		if err := c.durable.UpdateMessageStatus(ctx, sess.MessageID, message.MessageFailed); err != nil {
			c.lg.Warn("message status update failed", log.Str("message_id", sess.MessageID), log.Err(err))
		}
	}
	c.bus.PublishError(ctx, sess.SessionID, sess.MessageID, reason)
	sctx.cb.OnError(sess.SessionID, sess.MessageID, reason)
	c.sink.StreamErrored(ctx, &sess, reason)
	c.teardown(ctx, sctx)
}

// teardown releases everything the session held on this node.
func (c *Coordinator) teardown(ctx context.Context, sctx *streamContext) {
	c.mu.Lock()
	delete(c.contexts, sctx.sessionID)
	c.mu.Unlock()

	if sctx.upstream != nil {
		_ = sctx.upstream.Close()
	}
	if c.sweeper != nil {
		c.sweeper.Untrack(sctx.sessionID)
	}
	if err := c.registry.ReleaseOwnership(ctx, sctx.sessionID); err != nil {
		c.lg.Warn("ownership release failed", log.Str("session_id", sctx.sessionID), log.Err(err))
	}
}

// Resubscribe attaches a reconnecting client to a stream that is still live,
// possibly owned elsewhere. The listener gets fan-out events only; upstream
// ingestion stays with the owning node. The caller owns the subscription and
// must close it when the connection goes away.
func (c *Coordinator) Resubscribe(ctx context.Context, sessionID string, cb Callback) (*fanout.Subscription, error) {
	return c.bus.Subscribe(ctx, sessionID, func(env fanout.Envelope) {
		switch env.Type {
		case fanout.EventChunk:
			if env.Chunk != nil {
				cb.OnChunk(*env.Chunk)
			}
		case fanout.EventComplete:
			if env.Message != nil {
				cb.OnComplete(*env.Message)
			}
		case fanout.EventError:
			cb.OnError(env.SessionID, env.MessageID, env.Error)
		}
	})
}
