// Package redisstore wraps the go-redis client for relay's distributed
// tier: session hashes, chunk lists, pub/sub channels, and the expiring
// lease primitive that backs ownership claims and short-lived locks.
package redisstore
