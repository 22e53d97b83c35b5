package inbox

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound = errors.New("inbox: item not found")
	ErrInvalidItem  = errors.New("inbox: invalid item")
	ErrHubClosed    = errors.New("inbox: hub is closed")
)

func wrapInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidItem, msg)
}
