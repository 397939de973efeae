// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy, batch commit, and prefix helpers. It backs relay's durable tier:
// the per-message chunk log and the message/session stores.
package pebblestore
