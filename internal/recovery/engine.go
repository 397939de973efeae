package recovery

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/chunkstore"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/session"
	redisstore "github.com/rzbill/relay/internal/storage/redis"
	"github.com/rzbill/relay/pkg/log"
)

// Status is the recovery outcome reported to the client.
type Status string

const (
	StatusRecovered Status = "RECOVERED"
	StatusCompleted Status = "COMPLETED"
	StatusNotFound  Status = "NOT_FOUND"
	StatusExpired   Status = "EXPIRED"
	StatusError     Status = "ERROR"
)

// Request is a client's reconnect claim: the last chunk index it saw, or -1
// when it saw none.
type Request struct {
	SessionID       string `json:"sessionId"`
	MessageID       string `json:"messageId"`
	LastChunkIndex  int    `json:"lastChunkIndex"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
}

// Response carries either the missing chunk range (RECOVERED), the full
// message (COMPLETED), or a terminal status the client should restart from.
type Response struct {
	Status          Status                `json:"status"`
	Reason          string                `json:"reason,omitempty"`
	MissingChunks   []message.StreamChunk `json:"missingChunks,omitempty"`
	CompleteMessage *message.Message      `json:"completeMessage,omitempty"`
	Session         *message.Session      `json:"session,omitempty"`
	ChunksRecovered int                   `json:"chunksRecovered"`
	ShouldReconnect bool                  `json:"shouldReconnect"`
}

func keyRecoveryLock(sessionID string) string { return "recovery:lock:" + sessionID }

// Engine serves reconnect requests against current session state. Every
// attempt runs under a per-session lock so a concurrent completion or error
// transition is never observed in a half-state.
type Engine struct {
	rdb      *redis.Client
	registry *session.Registry
	store    *chunkstore.Store
	durable  *message.Store
	cfg      config.Recovery
	lg       log.Logger
}

// NewEngine wires the recovery engine. durable may be nil; the durable
// fallbacks then degrade to cache-only reads.
func NewEngine(rdb *redis.Client, registry *session.Registry, store *chunkstore.Store, durable *message.Store, cfg config.Recovery, lg log.Logger) *Engine {
	return &Engine{
		rdb:      rdb,
		registry: registry,
		store:    store,
		durable:  durable,
		cfg:      cfg,
		lg:       lg.WithComponent("recovery"),
	}
}

func errorResult(reason string, sess *message.Session) Response {
	return Response{Status: StatusError, Reason: reason, Session: sess}
}

// Recover runs the reconnect protocol for one request.
func (e *Engine) Recover(ctx context.Context, req Request) Response {
	if req.SessionID == "" || req.MessageID == "" {
		return errorResult("sessionId and messageId are required", nil)
	}
	if req.LastChunkIndex < -1 {
		return errorResult("lastChunkIndex must be >= -1", nil)
	}

	lock, err := redisstore.Acquire(ctx, e.rdb, keyRecoveryLock(req.SessionID), e.cfg.LockWait.Std(), e.cfg.LockHold.Std())
	if err != nil {
		// lock contention is retryable, the client just tries again
		return errorResult("recovery busy, retry", nil)
	}
	defer func() { _ = lock.Release(ctx) }()

	sess, ok, err := e.registry.Get(ctx, req.SessionID)
	if err != nil {
		e.lg.Warn("session lookup failed", log.Str("session_id", req.SessionID), log.Err(err))
		return errorResult("session lookup failed", nil)
	}
	if !ok {
		return e.recoverWithoutSession(ctx, req)
	}

	if sess.MessageID != req.MessageID {
		// a stale client holding a previous turn's messageId; do not guess
		return errorResult("messageId does not match the active session", &sess)
	}
	if sess.ExpiredAfter(e.cfg.SessionTTL.Std(), time.Now()) {
		return Response{Status: StatusExpired, Session: &sess}
	}

	switch sess.Status {
	case message.StatusInitializing, message.StatusStreaming:
		return e.recoverStreaming(ctx, req, sess)
	case message.StatusCompleted:
		return e.recoverCompleted(ctx, req, sess)
	default:
		return errorResult("session ended with "+string(sess.Status), &sess)
	}
}

// recoverWithoutSession handles the session-expired-everywhere case: the
// durable message may still exist, otherwise the client's own timestamp
// decides between EXPIRED and NOT_FOUND.
func (e *Engine) recoverWithoutSession(ctx context.Context, req Request) Response {
	if e.durable != nil {
		m, ok, err := e.durable.GetMessage(ctx, req.MessageID)
		if err != nil {
			e.lg.Warn("durable message lookup failed", log.Str("message_id", req.MessageID), log.Err(err))
		}
		if ok && m.Status == message.MessageCompleted {
			return Response{
				Status:          StatusCompleted,
				CompleteMessage: &m,
				ChunksRecovered: m.Metadata.ChunkCount,
			}
		}
	}
	if req.ClientTimestamp > 0 {
		age := time.Since(time.UnixMilli(req.ClientTimestamp))
		if age > e.cfg.SessionTTL.Std() {
			return Response{Status: StatusExpired}
		}
	}
	return Response{Status: StatusNotFound}
}

func (e *Engine) recoverStreaming(ctx context.Context, req Request, sess message.Session) Response {
	from := req.LastChunkIndex + 1
	to := sess.TotalChunks
	if from > to {
		// client claims to have seen chunks that were never written
		return errorResult("lastChunkIndex exceeds the stream's chunk count", &sess)
	}
	if e.cfg.MaxChunksPerRequest > 0 && to-from > e.cfg.MaxChunksPerRequest {
		to = from + e.cfg.MaxChunksPerRequest
	}

	chunks, err := e.store.Range(ctx, req.MessageID, from, to)
	if err != nil {
		e.lg.Warn("cache range read failed", log.Str("message_id", req.MessageID), log.Err(err))
		chunks = nil
	}
	if len(chunks) < to-from && e.cfg.EnableDurableFallback && e.store.Durable() != nil {
		durable, derr := e.store.Durable().Range(req.MessageID, from, to)
		if derr != nil {
			e.lg.Warn("durable range read failed", log.Str("message_id", req.MessageID), log.Err(derr))
		} else if len(durable) > len(chunks) {
			chunks = durable
		}
	}
	if chunks == nil {
		chunks = []message.StreamChunk{}
	}
	return Response{
		Status:          StatusRecovered,
		MissingChunks:   chunks,
		Session:         &sess,
		ChunksRecovered: len(chunks),
		ShouldReconnect: true,
	}
}

func (e *Engine) recoverCompleted(ctx context.Context, req Request, sess message.Session) Response {
	chunks, err := e.store.All(ctx, req.MessageID)
	if err != nil {
		e.lg.Warn("cache read failed", log.Str("message_id", req.MessageID), log.Err(err))
		chunks = nil
	}
	if len(chunks) == 0 && e.cfg.EnableDurableFallback && e.store.Durable() != nil {
		durable, derr := e.store.Durable().All(req.MessageID)
		if derr != nil {
			e.lg.Warn("durable read failed", log.Str("message_id", req.MessageID), log.Err(derr))
		} else {
			chunks = durable
		}
	}
	if len(chunks) > 0 {
		m := message.Reconstruct(req.MessageID, chunks, &sess)
		return Response{
			Status:          StatusCompleted,
			CompleteMessage: &m,
			Session:         &sess,
			ChunksRecovered: len(chunks),
		}
	}

	// every chunk tier is gone; the finalized message may still be stored
	if e.durable != nil {
		m, ok, derr := e.durable.GetMessage(ctx, req.MessageID)
		if derr == nil && ok {
			return Response{
				Status:          StatusCompleted,
				CompleteMessage: &m,
				Session:         &sess,
				ChunksRecovered: m.Metadata.ChunkCount,
			}
		}
	}
	return errorResult("completed message is no longer available", &sess)
}
