// Package session keeps the cluster's view of live streaming sessions.
//
// Session state is layered: a per-node expiring cache for hot reads, the
// shared Redis hash every node sees, and a durable snapshot that outlives
// both. Ownership (which node drives a session's stream) is a separate
// Redis key claimed with SET NX and bounded by a TTL so a crashed node's
// sessions become claimable again.
package session
