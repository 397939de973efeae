// Package id provides sortable identifiers and process node identity.
//
// Generator produces monotonically increasing 96-bit IDs used for lock
// tokens and correlation. NodeID derives the identity under which this
// process claims session ownership.
package id
