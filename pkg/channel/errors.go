package channel

import (
	"errors"
	"fmt"
)

var (
	ErrTransient      = errors.New("channel: transient failure")
	ErrPermanent      = errors.New("channel: permanent failure")
	ErrDeferred       = errors.New("channel: send deferred")
	ErrNoAddress      = errors.New("channel: recipient has no address for channel")
	ErrInvalidAddress = errors.New("channel: invalid address")
	ErrInvalidConfig  = errors.New("channel: invalid configuration")
	ErrCircuitOpen    = errors.New("channel: provider circuit breaker is open")
	ErrUnknownChannel = errors.New("channel: no sender registered")
)

// ProviderError is an error reported by a delivery provider.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
}

func joinClass(class, err error) error {
	if err == nil {
		return class
	}
	if errors.Is(err, class) {
		return err
	}
	return errors.Join(class, err)
}

func codeOf(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
