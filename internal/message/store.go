package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

// Store persists finalized messages and session snapshots on the durable
// tier. It is the source of truth once cache tiers expire.
type Store struct {
	db *pebblestore.DB
}

// NewStore wraps the durable DB.
func NewStore(db *pebblestore.DB) *Store { return &Store{db: db} }

// SaveMessage writes the message and its conversation index entry in one
// atomic batch.
func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(KeyMessage(m.ID), b, nil); err != nil {
		return err
	}
	if m.ConversationID != "" {
		idx := KeyConversationIndex(m.ConversationID, m.CreatedAt.UnixMilli(), m.ID)
		if err := batch.Set(idx, []byte(m.ID), nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, batch)
}

// GetMessage loads a message by ID. The second return is false when absent.
func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, bool, error) {
	b, err := s.db.Get(KeyMessage(messageID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, false, fmt.Errorf("unmarshal message %s: %w", messageID, err)
	}
	return m, true, nil
}

// UpdateMessageStatus flips the status of an already-persisted message.
// A missing message is a no-op, this path is best-effort by contract.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus) error {
	m, ok, err := s.GetMessage(ctx, messageID)
	if err != nil || !ok {
		return err
	}
	m.Status = status
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(KeyMessage(messageID), b)
}

// History returns up to limit finalized messages for a conversation,
// oldest first.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	prefix := KeyConversationPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: pebblestore.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// newest entries first, then reverse for chronological delivery
	ids := make([]string, 0, limit)
	for ok := iter.Last(); ok && len(ids) < limit; ok = iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	out := make([]Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		m, ok, err := s.GetMessage(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// SaveSession writes a durable session snapshot.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}
	return s.db.Set(KeySession(sess.SessionID), b)
}

// GetSession loads a durable session snapshot. The second return is false
// when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	b, err := s.db.Get(KeySession(sessionID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, false, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return sess, true, nil
}

// DeleteSession removes a durable session snapshot. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.Delete(KeySession(sessionID))
}
