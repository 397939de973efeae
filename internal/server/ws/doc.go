// Package ws is the client-facing WebSocket transport.
//
// A connection authenticates with an HMAC token, gets a welcome frame and
// buffered conversation history, then receives the live stream as chunk
// frames. Reconnecting clients send a reconnect frame with the last chunk
// index they saw and get the missing range plus a recovery_status report.
// Heartbeats keep the server-side liveness tracking fed.
package ws
