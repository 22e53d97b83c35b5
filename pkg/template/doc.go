// Package template resolves channel-specific title and body text for a
// notification from a YAML catalog keyed by notification type.
package template
