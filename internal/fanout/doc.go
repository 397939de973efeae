// Package fanout moves stream events between nodes over Redis pub/sub.
//
// Downstream, each session has three channels
// (stream:channel:{sessionId}:chunk|complete|error) carrying JSON envelopes;
// any node with a connected client subscribes and relays. Upstream, the
// producer publishes on chat:stream:{sessionId} in its own legacy shape,
// which the bus decodes and hands to the stream coordinator.
//
// Pub/sub delivery is at-most-once. Nothing here retries or buffers; the
// chunk store is the tier that makes missed events recoverable.
package fanout
