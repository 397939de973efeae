// Package coordinator owns the live streaming state machine.
//
// One node wins the ownership claim for a session and becomes its single
// writer: it ingests upstream producer deltas, assigns the monotonic chunk
// index, appends to the chunk store, fans events out, and finally completes
// or fails the stream and releases the claim. Every other node only ever
// listens via Resubscribe.
//
// Sessions move INITIALIZING -> STREAMING -> COMPLETED or ERROR. TIMEOUT is
// applied from outside by the heartbeat sweep. All terminal paths converge
// on one reentrant-safe teardown, so a failure inside completion handling
// cannot double-fire callbacks or leak the ownership claim.
package coordinator
