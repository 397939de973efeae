// Package chunkstore is the shared chunk cache sitting between the stream
// coordinator and the durable chunk log.
//
// Each message's chunks live in a Redis list (stream:chunks:{messageId})
// whose position matches the chunk index, so recovery range reads are a
// single LRANGE. Appends hold a short per-message lease, refresh the chunk
// TTL, and write through to the durable log. Completion writes the
// stream:metadata:{messageId} marker and rebounds the list TTL in one
// MULTI/EXEC so readers never observe a completed stream with a full-length
// TTL.
package chunkstore
