package email

import (
	"errors"
	"fmt"
)

var (
	ErrFailedToSendEmail = errors.New("email: failed to send")
	ErrInvalidConfig     = errors.New("email: invalid config")
	ErrInvalidParams     = errors.New("email: invalid params")
)

// Postmark API error codes the dispatcher reacts to.
// https://postmarkapp.com/developer/api/overview#error-codes
const (
	CodeInvalidEmailRequest  int64 = 300
	CodeSenderNotConfirmed   int64 = 400
	CodeInactiveRecipient    int64 = 406
	CodeInvalidJSON          int64 = 402
	CodeRateLimited          int64 = 429
	CodeMessageStreamMissing int64 = 1235
)

// ProviderError is a rejection reported by the email provider.
type ProviderError struct {
	Code    int64
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("postmark error %d: %s", e.Code, e.Message)
}

// InactiveRecipient reports whether the address is suppressed by the
// provider after a hard bounce, spam complaint or manual unsubscribe.
func (e *ProviderError) InactiveRecipient() bool {
	return e.Code == CodeInactiveRecipient
}
