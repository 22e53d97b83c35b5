package template_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/template"
)

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()

	c := template.DefaultCatalog()
	for _, typ := range []string{
		"appointment_confirmed", "appointment_reminder", "appointment_cancelled",
		"payment_received", "payment_failed", "emergency_alert", "new_message",
		"medical_record_shared", "verification_code",
	} {
		assert.Contains(t, c, typ)
		assert.Contains(t, c[typ], template.DefaultChannel, typ)
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	_, err := template.LoadCatalog([]byte("x:\n  default:\n    body: \"{{.a\"\n"))
	assert.ErrorIs(t, err, template.ErrInvalidCatalog)

	_, err = template.LoadCatalog([]byte(""))
	assert.ErrorIs(t, err, template.ErrInvalidCatalog)

	_, err = template.LoadCatalog([]byte("- not a map"))
	assert.ErrorIs(t, err, template.ErrInvalidCatalog)
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	r := template.NewResolver(template.DefaultCatalog())
	n := &notification.Notification{
		Type: "appointment_confirmed",
		Payload: map[string]any{
			"provider_name": "Dr. Lee",
			"date":          "2026-03-02",
			"time":          "09:30",
		},
	}

	t.Run("channel entry", func(t *testing.T) {
		t.Parallel()

		c, err := r.Resolve(n, notification.ChannelSMS)
		require.NoError(t, err)
		assert.Equal(t, "Appointment confirmed", c.Title)
		assert.Equal(t, "Confirmed: Dr. Lee on 2026-03-02 09:30. Reply HELP for help.", c.Body)
	})

	t.Run("default entry", func(t *testing.T) {
		t.Parallel()

		c, err := r.Resolve(n, notification.ChannelPush)
		require.NoError(t, err)
		assert.Equal(t, "Your appointment with Dr. Lee on 2026-03-02 at 09:30 is confirmed.", c.Body)
	})

	t.Run("missing payload keys render empty", func(t *testing.T) {
		t.Parallel()

		c, err := r.Resolve(n, notification.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, "Your appointment with Dr. Lee is confirmed", c.Title)
		assert.NotContains(t, c.Body, "Location")
		assert.NotContains(t, c.Body, "no value")
	})

	t.Run("unknown type falls back to notification text", func(t *testing.T) {
		t.Parallel()

		own := &notification.Notification{Type: "custom_ping", Title: "Hi", Body: "Ping"}
		c, err := r.Resolve(own, notification.ChannelInApp)
		require.NoError(t, err)
		assert.Equal(t, template.Content{Title: "Hi", Body: "Ping"}, c)
		assert.False(t, r.Knows("custom_ping"))
		assert.True(t, r.Knows("emergency_alert"))
	})
}

func TestResolver_SMSTruncation(t *testing.T) {
	t.Parallel()

	r := template.NewResolver(template.DefaultCatalog())
	n := &notification.Notification{
		Type:    "emergency_alert",
		Payload: map[string]any{"message": strings.Repeat("é", 1000)},
	}

	sms, err := r.Resolve(n, notification.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, template.MaxSMSRunes, utf8.RuneCountInString(sms.Body))

	push, err := r.Resolve(n, notification.ChannelPush)
	require.NoError(t, err)
	assert.Equal(t, 1000, utf8.RuneCountInString(push.Body))
}
