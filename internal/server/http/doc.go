// Package http serves the relay's REST surface and hosts the router the
// WebSocket handler mounts on.
package http
