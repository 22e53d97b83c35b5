// Package channel contains the senders that talk to delivery providers,
// one per notification channel:
//
//   - Push sends through Firebase Cloud Messaging HTTP v1, authenticated
//     with a Google service account.
//   - SMS posts to a Twilio-compatible REST gateway and normalizes phone
//     numbers to E.164 with CanonicalPhone.
//   - Email renders the HTML layout and sends through an email.EmailSender
//     (Postmark in production).
//   - InApp writes to the inbox package and notifies live subscribers.
//
// A sender reports every attempt as a Result whose Classification tells the
// dispatcher whether to retry (ClassTransient) or give up (ClassPermanent).
// Each sender owns the error table of its provider; ClassifyHTTPStatus is
// the fallback for responses without a recognized code. Senders that
// implement Cleaner get a chance to react to permanent failures, for
// example by dropping a dead device token.
//
// Protect wraps a sender with a Breaker so a failing provider is not
// hammered while it recovers. Registry maps channels to senders and
// Directory resolves recipient addresses.
package channel
