package chunklog

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
)

// TrimCompletedBefore deletes the chunks and metadata of every message whose
// completion marker is older than cutoff. Deletes are committed per message
// with an optional throttle between messages. Returns the number of messages
// reclaimed.
//
// In-flight messages have no completion marker and are never touched.
func (l *Log) TrimCompletedBefore(ctx context.Context, cutoff time.Time, throttle time.Duration) (int, error) {
	low := append([]byte(nil), donePrefix...)
	hi := KeyDone(cutoff.UnixMilli(), "")
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, err
	}

	// collect first so the deletes do not race the open iterator
	type marker struct {
		key       []byte
		messageID string
	}
	var expired []marker
	for ok := iter.First(); ok; ok = iter.Next() {
		expired = append(expired, marker{
			key:       append([]byte(nil), iter.Key()...),
			messageID: string(iter.Value()),
		})
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	trimmed := 0
	for _, m := range expired {
		if err := ctx.Err(); err != nil {
			return trimmed, err
		}
		if _, err := l.db.DeletePrefix(ctx, KeyMessagePrefix(m.messageID)); err != nil {
			return trimmed, err
		}
		if err := l.db.Delete(m.key); err != nil {
			return trimmed, err
		}
		trimmed++
		if throttle > 0 {
			time.Sleep(throttle)
		}
	}
	return trimmed, nil
}
