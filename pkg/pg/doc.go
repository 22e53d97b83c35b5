// Package pg connects to PostgreSQL with pgx, applies the embedded
// notification and inbox schema with goose, and classifies driver errors.
package pg
