// Package config loads typed configuration from environment variables.
//
// It wraps github.com/joho/godotenv (an optional .env file in the working
// directory, read once) and github.com/caarlos0/env/v11 (struct tag parsing).
// Every package of the dispatcher owns its Config struct; cmd/dispatcher
// loads them with Load, or with LoadPrefixed when one struct type is reused
// per delivery channel.
//
// Errors can be compared with errors.Is against ErrParsingConfig and
// ErrNilPointer.
package config
