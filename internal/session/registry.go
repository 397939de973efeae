package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/message"
	redisstore "github.com/rzbill/relay/internal/storage/redis"
	"github.com/rzbill/relay/pkg/log"
)

func keySession(sessionID string) string { return "stream:session:" + sessionID }

func keyOwner(sessionID string) string { return "session:owner:" + sessionID }

// Registry tracks live streaming sessions across three tiers: a local
// expiring cache, the shared Redis hash, and the durable snapshot store.
// Reads fall through and populate upward; writes go through every tier, with
// the durable tier allowed to fail soft.
//
// The registry also arbitrates session ownership. Exactly one node may hold
// session:owner:{sessionId} at a time.
type Registry struct {
	local  *expirable.LRU[string, message.Session]
	rdb    *redis.Client
	dur    *message.Store
	nodeID string

	sessionTTL   config.Duration
	ownershipTTL config.Duration
	lg           log.Logger
}

// NewRegistry builds the registry. dur may be nil for cache-only deployments.
func NewRegistry(rdb *redis.Client, dur *message.Store, nodeID string, cfg config.Config, lg log.Logger) *Registry {
	return &Registry{
		local:        expirable.NewLRU[string, message.Session](cfg.Cache.LocalMaxEntries, nil, cfg.Cache.LocalTTL.Std()),
		rdb:          rdb,
		dur:          dur,
		nodeID:       nodeID,
		sessionTTL:   cfg.Stream.SessionTTL,
		ownershipTTL: cfg.Stream.OwnershipTTL,
		lg:           lg.WithComponent("session"),
	}
}

// NodeID returns this node's ownership identity.
func (r *Registry) NodeID() string { return r.nodeID }

// Put writes the session through every tier and refreshes the shared TTL.
func (r *Registry) Put(ctx context.Context, s *message.Session) error {
	r.local.Add(s.SessionID, *s)

	key := keySession(s.SessionID)
	if err := r.rdb.HSet(ctx, key, hashFromSession(s)).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", s.SessionID, err)
	}
	if err := r.rdb.Expire(ctx, key, r.sessionTTL.Std()).Err(); err != nil {
		r.lg.Warn("refresh session ttl", log.Str("session_id", s.SessionID), log.Err(err))
	}

	if r.dur != nil {
		if err := r.dur.SaveSession(ctx, *s); err != nil {
			r.lg.Warn("durable session snapshot failed", log.Str("session_id", s.SessionID), log.Err(err))
		}
	}
	return nil
}

// Get loads a session, trying local, then Redis, then the durable snapshot,
// populating the faster tiers on the way back up. The second return is false
// when no tier knows the session.
func (r *Registry) Get(ctx context.Context, sessionID string) (message.Session, bool, error) {
	if s, ok := r.local.Get(sessionID); ok {
		return s, true, nil
	}

	h, err := r.rdb.HGetAll(ctx, keySession(sessionID)).Result()
	if err != nil {
		return message.Session{}, false, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if s, ok := sessionFromHash(h); ok {
		r.local.Add(sessionID, s)
		return s, true, nil
	}

	if r.dur != nil {
		s, ok, err := r.dur.GetSession(ctx, sessionID)
		if err != nil {
			return message.Session{}, false, err
		}
		if ok {
			r.local.Add(sessionID, s)
			return s, true, nil
		}
	}
	return message.Session{}, false, nil
}

// Delete removes the session from every tier. Idempotent.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.local.Remove(sessionID)
	if err := r.rdb.Del(ctx, keySession(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if r.dur != nil {
		if err := r.dur.DeleteSession(ctx, sessionID); err != nil {
			r.lg.Warn("durable session delete failed", log.Str("session_id", sessionID), log.Err(err))
		}
	}
	return nil
}

// ClaimOwnership attempts to take exclusive ownership of the session for
// this node. Returns false when another node already holds it.
func (r *Registry) ClaimOwnership(ctx context.Context, sessionID string) (bool, error) {
	return redisstore.ClaimOwner(ctx, r.rdb, keyOwner(sessionID), r.nodeID, r.ownershipTTL.Std())
}

// ReleaseOwnership drops the ownership claim if this node holds it. A claim
// held by another node is left alone.
func (r *Registry) ReleaseOwnership(ctx context.Context, sessionID string) error {
	owner, err := redisstore.Owner(ctx, r.rdb, keyOwner(sessionID))
	if err != nil {
		return err
	}
	if owner != r.nodeID {
		return nil
	}
	return redisstore.ReleaseOwner(ctx, r.rdb, keyOwner(sessionID))
}

// Owner returns the node currently holding the session, "" when unowned.
func (r *Registry) Owner(ctx context.Context, sessionID string) (string, error) {
	return redisstore.Owner(ctx, r.rdb, keyOwner(sessionID))
}

// PruneAbandoned walks the shared registry and removes live-looking
// sessions that no node owns and that have been inactive past staleAfter.
// Best-effort cleanup for entries orphaned by a crashed owner; the shared
// TTL remains the backstop. Terminal sessions are left alone so reconnects
// can still recover them within the TTL window.
func (r *Registry) PruneAbandoned(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)
	pruned := 0
	iter := r.rdb.Scan(ctx, 0, keySession("*"), 100).Iterator()
	for iter.Next(ctx) {
		sessionID := strings.TrimPrefix(iter.Val(), keySession(""))
		owner, err := redisstore.Owner(ctx, r.rdb, keyOwner(sessionID))
		if err != nil {
			return pruned, err
		}
		if owner != "" {
			continue
		}
		h, err := r.rdb.HGetAll(ctx, keySession(sessionID)).Result()
		if err != nil {
			return pruned, err
		}
		s, ok := sessionFromHash(h)
		if !ok || s.Status.Terminal() || s.LastActivityTime.After(cutoff) {
			continue
		}
		r.local.Remove(sessionID)
		if err := r.rdb.Del(ctx, keySession(sessionID)).Err(); err != nil {
			return pruned, err
		}
		pruned++
		r.lg.Debug("pruned abandoned session", log.Str("session_id", sessionID))
	}
	return pruned, iter.Err()
}

// RefreshOwnership extends this node's claim. A claim lost to expiry is not
// re-established; the caller learns via the false return.
func (r *Registry) RefreshOwnership(ctx context.Context, sessionID string) (bool, error) {
	owner, err := redisstore.Owner(ctx, r.rdb, keyOwner(sessionID))
	if err != nil {
		return false, err
	}
	if owner != r.nodeID {
		return false, nil
	}
	if err := r.rdb.Expire(ctx, keyOwner(sessionID), r.ownershipTTL.Std()).Err(); err != nil {
		return false, err
	}
	return true, nil
}
