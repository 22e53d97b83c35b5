// Package mongo connects to MongoDB for deployments that keep notifications
// in a document store instead of PostgreSQL.
package mongo
