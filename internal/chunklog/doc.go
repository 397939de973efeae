// Package chunklog implements relay's durable append-only chunk tier.
//
// # Overview
//
// Chunks are written through here as they stream and persisted in Pebble.
// Keys are lexicographically ordered for efficient range scans:
//   - chunk/{messageId}/m                (message metadata: chunk count)
//   - chunk/{messageId}/e/{index_be8}    (entries)
//   - done/{completedAt_be8}/{messageId} (completion index for retention)
//
// Entry values are fixed-layout chunk records (index, timestamp, flags,
// type, role, content) sealed with a crc32c; DecodeRecord rejects anything
// truncated or corrupt. The message id lives only in the key.
//
// API surface (internal)
//
//	l := NewLog(db)
//	// Write through a batch of chunks atomically; indices are caller-assigned
//	_ = l.Append(ctx, messageID, chunks)
//
//	// Ordered range reads for recovery, half-open [from, to)
//	missing, _ := l.Range(messageID, 3, 10)
//	all, _ := l.All(messageID)
//	n, _ := l.Count(messageID)
//
//	// Completion marker enables the retention sweep
//	_ = l.MarkComplete(ctx, messageID, time.Now())
//	_, _ = l.TrimCompletedBefore(ctx, time.Now().Add(-retention), 0)
//
// The log never assigns indices and never fills gaps. Ordering and
// completeness are the stream coordinator's contract; the log only promises
// that whatever was acknowledged survives restarts.
package chunklog
