package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/carebridge/dispatch/pkg/email"
	"github.com/carebridge/dispatch/pkg/email/templates"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
)

var emailCodes = map[int64]Classification{
	email.CodeInvalidEmailRequest:  ClassPermanent,
	email.CodeInactiveRecipient:    ClassPermanent,
	email.CodeInvalidJSON:          ClassPermanent,
	email.CodeSenderNotConfirmed:   ClassTransient,
	email.CodeMessageStreamMissing: ClassTransient,
	email.CodeRateLimited:          ClassTransient,
}

// Suppressor records an email address the provider will not deliver to.
type Suppressor interface {
	Suppress(ctx context.Context, recipientID, address string) error
}

// Email renders notifications into the HTML layout and hands them to an
// email.EmailSender.
type Email struct {
	sender     email.EmailSender
	footer     string
	suppressor Suppressor
	logger     *slog.Logger
}

// EmailOption configures Email.
type EmailOption func(*Email)

// WithFooter sets the footer line of every email.
func WithFooter(footer string) EmailOption {
	return func(e *Email) { e.footer = footer }
}

// WithSuppressor sets the hook called for inactive recipients.
func WithSuppressor(s Suppressor) EmailOption {
	return func(e *Email) { e.suppressor = s }
}

func WithEmailLogger(l *slog.Logger) EmailOption {
	return func(e *Email) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEmail(sender email.EmailSender, opts ...EmailOption) *Email {
	e := &Email{sender: sender, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Email) Channel() notification.Channel { return notification.ChannelEmail }

func (e *Email) Send(ctx context.Context, msg Message) Result {
	to := strings.TrimSpace(msg.Address)
	if !email.ValidAddress(to) {
		return Permanent(fmt.Errorf("%w: %q", ErrInvalidAddress, msg.Address))
	}

	html, err := templates.Render(ctx, templates.Layout(templates.LayoutData{
		Title:   msg.Title,
		Body:    msg.Body,
		Footer:  e.footer,
		Urgent:  msg.Priority == notification.PriorityUrgent,
		Preview: firstLine(msg.Body),
	}))
	if err != nil {
		return Permanent(fmt.Errorf("email: render: %w", err))
	}

	id, err := e.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   to,
		Subject:  msg.Title,
		BodyHTML: html,
		BodyText: msg.Body,
		Tag:      msg.Type,
		Metadata: map[string]string{
			"notification_id": msg.NotificationID,
			"attempt":         strconv.Itoa(msg.Attempt),
		},
	})
	if err == nil {
		return Delivered(id)
	}
	return e.classify(err)
}

func (e *Email) classify(err error) Result {
	if errors.Is(err, email.ErrInvalidParams) {
		return Permanent(err)
	}
	var pe *email.ProviderError
	if !errors.As(err, &pe) {
		return Transient(err)
	}
	perr := &ProviderError{Provider: "postmark", Code: strconv.FormatInt(pe.Code, 10), Message: pe.Message}
	class, ok := emailCodes[pe.Code]
	if !ok {
		class = ClassTransient
	}
	return Classify(class, errors.Join(perr, err))
}

// Cleanup suppresses the address when the provider marked it inactive.
func (e *Email) Cleanup(ctx context.Context, msg Message, res Result) error {
	if e.suppressor == nil || res.Code != strconv.FormatInt(email.CodeInactiveRecipient, 10) {
		return nil
	}
	if err := e.suppressor.Suppress(ctx, msg.RecipientID, strings.TrimSpace(msg.Address)); err != nil {
		return fmt.Errorf("email: suppress: %w", err)
	}
	e.logger.LogAttrs(ctx, slog.LevelInfo, "email address suppressed",
		logger.NotificationID(msg.NotificationID),
		logger.RecipientID(msg.RecipientID),
	)
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(line); len(r) > 90 {
		return string(r[:90])
	}
	return line
}
