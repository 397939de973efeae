// Package recovery implements the reconnect protocol.
//
// A reconnecting client reports the last chunk index it saw; the engine
// answers with exactly the chunks it missed (RECOVERED), the finished
// message (COMPLETED), or a status telling it to start over (NOT_FOUND,
// EXPIRED, ERROR). Reads prefer the cache tier and fall back to the durable
// chunk log, so a stream survives both a node crash and cache expiry.
package recovery
