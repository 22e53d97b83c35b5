// Package store persists notifications and their per-channel delivery
// records. It is the only shared mutable state of the dispatcher.
//
// Three implementations share one contract: Memory for tests, Postgres with
// row-locked transactions, and Mongo with versioned compare-and-swap.
// Connectivity failures are reported wrapped in
// notification.ErrStoreUnavailable so callers can tell them apart from
// logical errors such as notification.ErrNotFound.
package store
