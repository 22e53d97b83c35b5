package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// PushConfig configures the FCM HTTP v1 sender.
type PushConfig struct {
	ProjectID       string `env:"FCM_PROJECT_ID"`
	CredentialsFile string `env:"FCM_CREDENTIALS_FILE"`
	CredentialsJSON string `env:"FCM_CREDENTIALS_JSON"`
	Endpoint        string `env:"FCM_ENDPOINT" envDefault:"https://fcm.googleapis.com"`
}

// FCM error codes, from the FcmError detail of an error response.
const (
	FCMUnregistered        = "UNREGISTERED"
	FCMInvalidArgument     = "INVALID_ARGUMENT"
	FCMSenderIDMismatch    = "SENDER_ID_MISMATCH"
	FCMThirdPartyAuthError = "THIRD_PARTY_AUTH_ERROR"
	FCMQuotaExceeded       = "QUOTA_EXCEEDED"
	FCMUnavailable         = "UNAVAILABLE"
	FCMInternal            = "INTERNAL"
)

var fcmCodes = map[string]Classification{
	FCMUnregistered:        ClassPermanent,
	FCMInvalidArgument:     ClassPermanent,
	FCMSenderIDMismatch:    ClassPermanent,
	FCMThirdPartyAuthError: ClassTransient,
	FCMQuotaExceeded:       ClassTransient,
	FCMUnavailable:         ClassTransient,
	FCMInternal:            ClassTransient,
}

// TokenInvalidator forgets a device token the provider reported as dead.
type TokenInvalidator interface {
	InvalidateToken(ctx context.Context, recipientID, token string) error
}

// Push delivers to mobile devices through Firebase Cloud Messaging.
type Push struct {
	client      *http.Client
	endpoint    string
	projectID   string
	invalidator TokenInvalidator
	logger      *slog.Logger
}

// PushOption configures Push.
type PushOption func(*Push)

// WithPushHTTPClient replaces the authenticated HTTP client.
func WithPushHTTPClient(c *http.Client) PushOption {
	return func(p *Push) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTokenInvalidator sets the hook called for tokens FCM rejects.
func WithTokenInvalidator(inv TokenInvalidator) PushOption {
	return func(p *Push) { p.invalidator = inv }
}

func WithPushLogger(l *slog.Logger) PushOption {
	return func(p *Push) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPush builds the FCM sender. Credentials come from CredentialsJSON,
// then CredentialsFile, then Google application default credentials,
// unless an HTTP client is supplied with WithPushHTTPClient.
func NewPush(ctx context.Context, cfg PushConfig, opts ...PushOption) (*Push, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("%w: FCM project id is required", ErrInvalidConfig)
	}
	p := &Push{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		projectID: cfg.ProjectID,
		logger:    slog.Default(),
	}
	if p.endpoint == "" {
		p.endpoint = "https://fcm.googleapis.com"
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client != nil {
		return p, nil
	}

	ts, err := fcmTokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	base := &http.Client{Timeout: 30 * time.Second}
	p.client = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	return p, nil
}

func fcmTokenSource(ctx context.Context, cfg PushConfig) (oauth2.TokenSource, error) {
	raw := []byte(cfg.CredentialsJSON)
	if len(raw) == 0 && cfg.CredentialsFile != "" {
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		creds, err := google.FindDefaultCredentials(ctx, fcmScope)
		if err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
		return creds.TokenSource, nil
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, fcmScope)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	return creds.TokenSource, nil
}

func (p *Push) Channel() notification.Channel { return notification.ChannelPush }

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *fcmAndroid       `json:"android,omitempty"`
	APNS         *fcmAPNS          `json:"apns,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers"`
}

type fcmResponse struct {
	Name  string `json:"name"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func (p *Push) Send(ctx context.Context, msg Message) Result {
	if msg.Address == "" {
		return Permanent(ErrNoAddress)
	}

	body, err := json.Marshal(fcmRequest{Message: buildFCMMessage(msg)})
	if err != nil {
		return Permanent(fmt.Errorf("push: encode message: %w", err))
	}

	url := p.endpoint + "/v1/projects/" + p.projectID + "/messages:send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("push: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("push: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var out fcmResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Delivered(out.Name)
	}

	perr := &ProviderError{Provider: "fcm", Status: resp.StatusCode, Message: snippet(raw)}
	class := ClassifyHTTPStatus(resp.StatusCode)
	if out.Error != nil {
		perr.Message = out.Error.Message
		perr.Code = out.Error.Status
		for _, d := range out.Error.Details {
			if d.ErrorCode != "" {
				perr.Code = d.ErrorCode
				break
			}
		}
		if c, ok := fcmCodes[perr.Code]; ok {
			class = c
		}
	}
	return Classify(class, perr)
}

// Cleanup invalidates the device token when FCM says it no longer exists.
func (p *Push) Cleanup(ctx context.Context, msg Message, res Result) error {
	if p.invalidator == nil {
		return nil
	}
	if res.Code != FCMUnregistered && res.Code != FCMSenderIDMismatch {
		return nil
	}
	if err := p.invalidator.InvalidateToken(ctx, msg.RecipientID, msg.Address); err != nil {
		return fmt.Errorf("push: invalidate token: %w", err)
	}
	p.logger.LogAttrs(ctx, slog.LevelInfo, "device token invalidated",
		logger.NotificationID(msg.NotificationID),
		logger.RecipientID(msg.RecipientID),
		slog.String("fcm_code", res.Code),
	)
	return nil
}

func buildFCMMessage(msg Message) fcmMessage {
	m := fcmMessage{
		Token:        msg.Address,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data: map[string]string{
			"notification_id": msg.NotificationID,
			"type":            msg.Type,
		},
	}
	for k, v := range msg.Payload {
		if isAddressKey(k) {
			continue
		}
		if s, ok := v.(string); ok {
			m.Data[k] = s
		} else if b, err := json.Marshal(v); err == nil {
			m.Data[k] = string(b)
		}
	}
	if msg.Priority == notification.PriorityHigh || msg.Priority == notification.PriorityUrgent {
		m.Android = &fcmAndroid{Priority: "high"}
		m.APNS = &fcmAPNS{Headers: map[string]string{"apns-priority": "10"}}
	}
	return m
}

func isAddressKey(k string) bool {
	for _, key := range PayloadKeys {
		if k == key {
			return true
		}
	}
	return false
}
