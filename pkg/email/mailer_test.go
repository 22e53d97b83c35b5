package email_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/email"
)

func validParams() email.SendEmailParams {
	return email.SendEmailParams{
		SendTo:   "patient@example.com",
		Subject:  "Appointment confirmed",
		BodyHTML: "<p>See you soon</p>",
		Tag:      "appointment_confirmed",
	}
}

func TestSendEmailParams_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *email.SendEmailParams)
		errMsg string
	}{
		{"valid", func(*email.SendEmailParams) {}, ""},
		{"empty SendTo", func(p *email.SendEmailParams) { p.SendTo = " " }, "SendTo is required"},
		{"malformed SendTo", func(p *email.SendEmailParams) { p.SendTo = "patient@" }, "SendTo must be a valid email address"},
		{"empty Subject", func(p *email.SendEmailParams) { p.Subject = "" }, "Subject is required"},
		{"empty BodyHTML", func(p *email.SendEmailParams) { p.BodyHTML = "" }, "BodyHTML is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, email.ErrInvalidParams)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDevSender_SendEmail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := email.NewDevSender(dir)

	id, err := s.SendEmail(context.Background(), validParams())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	var meta map[string]any
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".json") {
			raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, &meta))
		}
		assert.Contains(t, f.Name(), "appointment_confirmed")
	}
	assert.Equal(t, id, meta["message_id"])
	assert.Equal(t, "patient@example.com", meta["send_to"])

	_, err = s.SendEmail(context.Background(), email.SendEmailParams{})
	assert.ErrorIs(t, err, email.ErrInvalidParams)
}

func TestNewPostmarkClient_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := email.NewPostmarkClient(email.Config{SenderEmail: "a@b.co"})
	assert.ErrorIs(t, err, email.ErrInvalidConfig)

	_, err = email.NewPostmarkClient(email.Config{PostmarkServerToken: "t", SenderEmail: "nope"})
	assert.ErrorIs(t, err, email.ErrInvalidConfig)

	assert.Panics(t, func() { email.MustNewPostmarkClient(email.Config{}) })
}

func postmarkServer(t *testing.T, status int, reply map[string]any) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/email", r.URL.Path)
		assert.Equal(t, "server-token", r.Header.Get("X-Postmark-Server-Token"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "patient@example.com", body["To"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPostmarkClient_SendEmail(t *testing.T) {
	t.Parallel()

	t.Run("returns message id", func(t *testing.T) {
		t.Parallel()

		srv := postmarkServer(t, http.StatusOK, map[string]any{
			"To": "patient@example.com", "MessageID": "pm-123", "ErrorCode": 0, "Message": "OK",
		})
		c, err := email.NewPostmarkClient(email.Config{
			PostmarkServerToken: "server-token",
			PostmarkBaseURL:     srv.URL,
			SenderEmail:         "no-reply@carebridge.health",
		})
		require.NoError(t, err)

		id, err := c.SendEmail(context.Background(), validParams())
		require.NoError(t, err)
		assert.Equal(t, "pm-123", id)
	})

	t.Run("surfaces provider error code", func(t *testing.T) {
		t.Parallel()

		srv := postmarkServer(t, http.StatusOK, map[string]any{
			"ErrorCode": 406, "Message": "You tried to send to a recipient that has been marked as inactive.",
		})
		c, err := email.NewPostmarkClient(email.Config{
			PostmarkServerToken: "server-token",
			PostmarkBaseURL:     srv.URL,
			SenderEmail:         "no-reply@carebridge.health",
		})
		require.NoError(t, err)

		_, err = c.SendEmail(context.Background(), validParams())
		require.ErrorIs(t, err, email.ErrFailedToSendEmail)

		var perr *email.ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, email.CodeInactiveRecipient, perr.Code)
		assert.True(t, perr.InactiveRecipient())
	})
}
