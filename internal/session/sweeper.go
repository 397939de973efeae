package session

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/relay/pkg/log"
)

// Sweeper watches the sessions this node is actively streaming and flags the
// ones whose clients have gone silent. The coordinator registers a session
// when it starts streaming and beats it on every client heartbeat; the
// sweeper calls back with the stragglers so they can be timed out.
type Sweeper struct {
	timeout time.Duration
	every   time.Duration
	onStale func(ctx context.Context, sessionID string)
	prune   func(ctx context.Context)
	lg      log.Logger

	mu    sync.Mutex
	beats map[string]time.Time
}

// NewSweeper builds a sweeper. onStale runs once per stale session, after
// the session has been untracked.
func NewSweeper(timeout, every time.Duration, onStale func(ctx context.Context, sessionID string), lg log.Logger) *Sweeper {
	return &Sweeper{
		timeout: timeout,
		every:   every,
		onStale: onStale,
		lg:      lg.WithComponent("sweeper"),
		beats:   make(map[string]time.Time),
	}
}

// PruneWith installs a cluster cleanup hook that runs at the end of every
// sweep, after the stale local sessions have been handled.
func (sw *Sweeper) PruneWith(fn func(ctx context.Context)) {
	sw.prune = fn
}

// Track starts watching a session, seeding its heartbeat at now.
func (sw *Sweeper) Track(sessionID string) {
	sw.mu.Lock()
	sw.beats[sessionID] = time.Now()
	sw.mu.Unlock()
}

// Untrack stops watching a session.
func (sw *Sweeper) Untrack(sessionID string) {
	sw.mu.Lock()
	delete(sw.beats, sessionID)
	sw.mu.Unlock()
}

// Beat records client activity for a tracked session. Unknown sessions are
// ignored so a late heartbeat cannot resurrect a finished stream.
func (sw *Sweeper) Beat(sessionID string) {
	sw.mu.Lock()
	if _, ok := sw.beats[sessionID]; ok {
		sw.beats[sessionID] = time.Now()
	}
	sw.mu.Unlock()
}

// Tracked reports whether the session is being watched.
func (sw *Sweeper) Tracked(sessionID string) bool {
	sw.mu.Lock()
	_, ok := sw.beats[sessionID]
	sw.mu.Unlock()
	return ok
}

// Run sweeps on the configured interval until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(sw.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep runs one pass, timing out every session silent for longer than the
// heartbeat timeout.
func (sw *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-sw.timeout)

	sw.mu.Lock()
	var stale []string
	for id, at := range sw.beats {
		if at.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(sw.beats, id)
	}
	sw.mu.Unlock()

	for _, id := range stale {
		sw.lg.Info("session heartbeat timed out", log.Str("session_id", id))
		if sw.onStale != nil {
			sw.onStale(ctx, id)
		}
	}

	if sw.prune != nil {
		sw.prune(ctx)
	}
}
