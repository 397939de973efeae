// Package message defines relay's domain types (Session, StreamChunk, and
// the finalized Message) plus the durable store for messages, session
// snapshots, and conversation history.
//
// Chunk contents are deltas. The cumulative text of a turn only ever exists
// as the ordered concatenation of its chunks, produced by Reconstruct; the
// durably stored Message.Content is that same concatenation.
package message
