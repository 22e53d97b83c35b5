package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"

	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
)

// SMSConfig configures the Twilio-compatible SMS gateway.
type SMSConfig struct {
	AccountSID         string `env:"SMS_ACCOUNT_SID"`
	AuthToken          string `env:"SMS_AUTH_TOKEN"`
	From               string `env:"SMS_FROM"`
	BaseURL            string `env:"SMS_BASE_URL" envDefault:"https://api.twilio.com"`
	DefaultCountryCode string `env:"SMS_DEFAULT_COUNTRY_CODE" envDefault:"1"`
}

// Gateway error codes with a fixed meaning.
const (
	SMSInvalidNumber    = 21211
	SMSRegionNotAllowed = 21408
	SMSOptedOut         = 21610
	SMSUnreachable      = 21612
	SMSNotMobile        = 21614
	SMSAuthFailed       = 20003
	SMSTooManyRequests  = 20429
	SMSQueueOverflow    = 30001
	SMSCarrierViolation = 30007
)

var smsCodes = map[int]Classification{
	SMSInvalidNumber:    ClassPermanent,
	SMSRegionNotAllowed: ClassPermanent,
	SMSOptedOut:         ClassPermanent,
	SMSUnreachable:      ClassPermanent,
	SMSNotMobile:        ClassPermanent,
	SMSAuthFailed:       ClassTransient,
	SMSCarrierViolation: ClassPermanent,
	SMSTooManyRequests:  ClassTransient,
	SMSQueueOverflow:    ClassTransient,
}

// OptOutRecorder records that a phone number replied STOP.
type OptOutRecorder interface {
	RecordOptOut(ctx context.Context, recipientID, phone string) error
}

// SMS sends text messages through a Twilio-compatible REST gateway.
type SMS struct {
	cfg    SMSConfig
	client *http.Client
	optOut OptOutRecorder
	logger *slog.Logger
}

// SMSOption configures SMS.
type SMSOption func(*SMS)

func WithSMSHTTPClient(c *http.Client) SMSOption {
	return func(s *SMS) {
		if c != nil {
			s.client = c
		}
	}
}

// WithOptOutRecorder sets the hook called when a number has opted out.
func WithOptOutRecorder(r OptOutRecorder) SMSOption {
	return func(s *SMS) { s.optOut = r }
}

func WithSMSLogger(l *slog.Logger) SMSOption {
	return func(s *SMS) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSMS(cfg SMSConfig, opts ...SMSOption) (*SMS, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("%w: SMS account sid and auth token are required", ErrInvalidConfig)
	}
	from, err := CanonicalPhone(cfg.From, cfg.DefaultCountryCode)
	if err != nil {
		return nil, fmt.Errorf("%w: SMS sender number: %v", ErrInvalidConfig, err)
	}
	cfg.From = from
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}

	s := &SMS{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SMS) Channel() notification.Channel { return notification.ChannelSMS }

type smsResponse struct {
	SID     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *SMS) Send(ctx context.Context, msg Message) Result {
	to, err := CanonicalPhone(msg.Address, s.cfg.DefaultCountryCode)
	if err != nil {
		return Permanent(err)
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.From)
	form.Set("Body", msg.Body)

	endpoint := s.cfg.BaseURL + "/2010-04-01/Accounts/" + url.PathEscape(s.cfg.AccountSID) + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent(fmt.Errorf("sms: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("sms: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var out smsResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Delivered(out.SID)
	}

	perr := &ProviderError{Provider: "sms", Status: resp.StatusCode, Message: out.Message}
	if perr.Message == "" {
		perr.Message = snippet(raw)
	}
	class := ClassifyHTTPStatus(resp.StatusCode)
	if out.Code != 0 {
		perr.Code = strconv.Itoa(out.Code)
		if c, ok := smsCodes[out.Code]; ok {
			class = c
		}
	}
	return Classify(class, perr)
}

// Cleanup records an opt-out when the gateway refused an unsubscribed number.
func (s *SMS) Cleanup(ctx context.Context, msg Message, res Result) error {
	if s.optOut == nil || res.Code != strconv.Itoa(SMSOptedOut) {
		return nil
	}
	phone, err := CanonicalPhone(msg.Address, s.cfg.DefaultCountryCode)
	if err != nil {
		phone = msg.Address
	}
	if err := s.optOut.RecordOptOut(ctx, msg.RecipientID, phone); err != nil {
		return fmt.Errorf("sms: record opt-out: %w", err)
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "sms opt-out recorded",
		logger.NotificationID(msg.NotificationID),
		logger.RecipientID(msg.RecipientID),
	)
	return nil
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// CanonicalPhone normalizes a phone number to E.164. Full-width digits are
// folded to ASCII, separators are dropped, a leading 00 becomes +, and
// numbers without a country code get defaultCountry after their trunk 0 is
// removed.
func CanonicalPhone(raw, defaultCountry string) (string, error) {
	s := width.Narrow.String(strings.TrimSpace(raw))

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '(', r == ')', r == '/':
		default:
			return "", fmt.Errorf("%w: unexpected %q in phone number", ErrInvalidAddress, r)
		}
	}

	num := b.String()
	switch {
	case strings.HasPrefix(num, "+"):
	case strings.HasPrefix(num, "00"):
		num = "+" + num[2:]
	default:
		cc := strings.TrimPrefix(strings.TrimSpace(defaultCountry), "+")
		num = "+" + cc + strings.TrimLeft(num, "0")
	}

	if !e164.MatchString(num) {
		return "", fmt.Errorf("%w: %q is not an E.164 number", ErrInvalidAddress, raw)
	}
	return num, nil
}
