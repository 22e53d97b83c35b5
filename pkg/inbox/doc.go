// Package inbox stores in-app notifications so they can be listed, counted
// and marked read independently of the dispatch status of the notification
// that produced them.
//
// The in-app channel writes one Item per notification through a Store
// (MemoryStore or PostgresStore) and then publishes it on a Hub, which
// pushes it to any live subscriber of the recipient:
//
//	items := inbox.NewPostgresStore(pool)
//	hub := inbox.NewHub(16)
//
//	updates := hub.Subscribe(ctx, userID)
//	for item := range updates {
//		// render item
//	}
//
// Store.Create is idempotent per notification id, so redelivering the same
// dispatch job does not duplicate the entry.
package inbox
