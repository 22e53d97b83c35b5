package template

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/carebridge/dispatch/pkg/notification"
)

// MaxSMSRunes caps SMS bodies at three concatenated segments.
const MaxSMSRunes = 480

// Content is the channel-specific text of a notification.
type Content struct {
	Title string
	Body  string
}

// Resolver maps a notification type and channel to rendered content.
// Parsed templates are cached, so a Resolver is safe for concurrent use.
type Resolver struct {
	catalog Catalog

	mu     sync.RWMutex
	parsed map[string]*template.Template
}

func NewResolver(c Catalog) *Resolver {
	if c == nil {
		c = Catalog{}
	}
	return &Resolver{catalog: c, parsed: make(map[string]*template.Template)}
}

// Knows reports whether the catalog has templates for typ.
func (r *Resolver) Knows(typ string) bool {
	_, ok := r.catalog[typ]
	return ok
}

// Resolve renders content for n on ch. Lookup order for each of title and
// body: the channel entry, the type's default entry, then the
// notification's own title/body. Missing payload keys render empty.
func (r *Resolver) Resolve(n *notification.Notification, ch notification.Channel) (Content, error) {
	out := Content{Title: n.Title, Body: n.Body}

	channels := r.catalog[n.Type]
	def := channels[DefaultChannel]
	entry := channels[string(ch)]

	title := firstNonEmpty(entry.Title, def.Title)
	body := firstNonEmpty(entry.Body, def.Body)

	if title != "" {
		s, err := r.render(n.Type, string(ch), "title", title, n.Payload)
		if err != nil {
			return Content{}, err
		}
		out.Title = s
	}
	if body != "" {
		s, err := r.render(n.Type, string(ch), "body", body, n.Payload)
		if err != nil {
			return Content{}, err
		}
		out.Body = s
	}

	if ch == notification.ChannelSMS {
		out.Body = truncateRunes(out.Body, MaxSMSRunes)
	}
	return out, nil
}

func (r *Resolver) render(typ, ch, part, src string, payload map[string]any) (string, error) {
	key := typ + "/" + ch + "/" + part + "/" + src

	r.mu.RLock()
	t, ok := r.parsed[key]
	r.mu.RUnlock()

	if !ok {
		var err error
		t, err = template.New(typ).Option("missingkey=zero").Parse(src)
		if err != nil {
			return "", errors.Join(ErrRender, err)
		}
		r.mu.Lock()
		r.parsed[key] = t
		r.mu.Unlock()
	}

	data := payload
	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Join(ErrRender, fmt.Errorf("%s.%s.%s: %w", typ, ch, part, err))
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
