// Package notification defines the domain model of the delivery engine:
// the Notification entity, its per-channel Delivery records, the derived
// whole-notification Status, submit-time Request validation, and the
// statistics Filter/Aggregate helpers.
//
// Status is never set directly after creation. Every time a channel's
// Delivery changes, the owner recomputes it with DeriveStatus:
//
//	pending|scheduled -> dispatching -> sent | partially_failed | failed
//
// sent requires every channel delivered, partially_failed at least one
// delivered and one not, failed zero delivered. A notification whose
// channels were all cancelled before dispatch is cancelled.
package notification
