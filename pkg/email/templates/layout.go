package templates

import (
	"context"
	"io"
	"strings"

	"github.com/a-h/templ"
)

// LayoutData is the content of a notification email.
type LayoutData struct {
	Title   string
	Body    string
	Footer  string
	Urgent  bool
	Preview string
}

// Layout is the single-column HTML shell every notification email uses.
// Body paragraphs are split on blank lines and line breaks are kept. All
// text is escaped.
func Layout(d LayoutData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder

		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		b.WriteString(`<meta name="viewport" content="width=device-width,initial-scale=1">`)
		b.WriteString(`<title>` + templ.EscapeString(d.Title) + `</title></head>`)
		b.WriteString(`<body style="margin:0;padding:0;background:#f4f6f8;font-family:Helvetica,Arial,sans-serif;color:#1f2933">`)
		if d.Preview != "" {
			b.WriteString(`<div style="display:none;max-height:0;overflow:hidden">` + templ.EscapeString(d.Preview) + `</div>`)
		}
		b.WriteString(`<table role="presentation" width="100%" cellpadding="0" cellspacing="0"><tr><td align="center" style="padding:24px">`)
		b.WriteString(`<table role="presentation" width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;border-radius:8px">`)

		accent := "#0b6e4f"
		if d.Urgent {
			accent = "#c62828"
		}
		b.WriteString(`<tr><td style="padding:24px 32px;border-top:4px solid ` + accent + `">`)
		b.WriteString(`<h1 style="margin:0 0 16px;font-size:20px">` + templ.EscapeString(d.Title) + `</h1>`)
		for _, para := range paragraphs(d.Body) {
			b.WriteString(`<p style="margin:0 0 12px;font-size:15px;line-height:22px">`)
			b.WriteString(strings.ReplaceAll(templ.EscapeString(para), "\n", "<br>"))
			b.WriteString(`</p>`)
		}
		b.WriteString(`</td></tr>`)

		if d.Footer != "" {
			b.WriteString(`<tr><td style="padding:16px 32px;font-size:12px;color:#7b8794">` + templ.EscapeString(d.Footer) + `</td></tr>`)
		}
		b.WriteString(`</table></td></tr></table></body></html>`)

		_, err := io.WriteString(w, b.String())
		return err
	})
}

func paragraphs(body string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
