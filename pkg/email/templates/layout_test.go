package templates_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/email/templates"
)

func TestLayout(t *testing.T) {
	t.Parallel()

	html, err := templates.Render(context.Background(), templates.Layout(templates.LayoutData{
		Title:  "Payment <received>",
		Body:   "Thank you.\n\nReceipt #42\nAmount: 10 USD",
		Footer: "CareBridge",
	}))
	require.NoError(t, err)

	assert.Contains(t, html, "<title>Payment &lt;received&gt;</title>")
	assert.Contains(t, html, "<p style=\"margin:0 0 12px;font-size:15px;line-height:22px\">Thank you.</p>")
	assert.Contains(t, html, "Receipt #42<br>Amount: 10 USD")
	assert.Contains(t, html, "CareBridge")
	assert.Contains(t, html, "#0b6e4f")
	assert.NotContains(t, html, "<received>")
}

func TestLayout_Urgent(t *testing.T) {
	t.Parallel()

	html, err := templates.Render(context.Background(), templates.Layout(templates.LayoutData{
		Title:  "Emergency alert",
		Body:   "Clinic closed",
		Urgent: true,
	}))
	require.NoError(t, err)
	assert.Contains(t, html, "#c62828")
	assert.NotContains(t, html, "font-size:12px")
}
