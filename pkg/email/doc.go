// Package email sends transactional email through Postmark, or writes it to
// disk with DevSender in development. The email channel sender builds on
// EmailSender and inspects *ProviderError to classify rejections.
package email
