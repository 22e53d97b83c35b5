package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carebridge/dispatch/pkg/dispatch"
	"github.com/carebridge/dispatch/pkg/httpserver"
	"github.com/carebridge/dispatch/pkg/inbox"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
)

const maxBodyBytes = 1 << 20

// opsAPI is the operator surface of the dispatcher: health, statistics,
// manual submission, retry, cancellation and the in-app inbox.
type opsAPI struct {
	orch         *dispatch.Orchestrator
	engine       *dispatch.Engine
	inbox        inbox.Store
	hub          *inbox.Hub
	checks       map[string]httpserver.Check
	checkTimeout time.Duration
	log          *slog.Logger
}

func (a *opsAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.RequestID)
	r.Use(httpserver.AccessLog(a.log, "/healthz", "/readyz"))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.LivenessHandler())
	r.Get("/readyz", httpserver.ReadinessHandler(a.log, a.checkTimeout, a.checks))
	r.Get("/stats", a.stats)
	r.Post("/reconcile", a.reconcile)

	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", a.submit)
		r.Post("/bulk", a.submitBulk)
		r.Get("/{id}", a.get)
		r.Post("/{id}/retry", a.retry)
		r.Post("/{id}/cancel", a.cancel)
	})

	r.Route("/inbox/{userID}", func(r chi.Router) {
		r.Get("/", a.listInbox)
		r.Get("/unread", a.unreadCount)
		r.Post("/read", a.markRead)
		r.Get("/stream", a.streamInbox)
	})
	return r
}

type statsResponse struct {
	Stats      notification.Stats           `json:"stats"`
	QueueDepth map[notification.Channel]int `json:"queue_depth"`
}

func (a *opsAPI) stats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httpserver.Error(w, http.StatusBadRequest, err)
		return
	}
	st, err := a.orch.Stats(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	depth, err := a.engine.QueueDepth(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, statsResponse{Stats: st, QueueDepth: depth})
}

func (a *opsAPI) reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := a.orch.Reconcile(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, map[string]int{"ensured": n})
}

type submitResponse struct {
	ID string `json:"id"`
	// Pending is set when the notification was stored but its jobs will only
	// be created by the next reconcile pass.
	Pending bool `json:"pending,omitempty"`
}

func (a *opsAPI) submit(w http.ResponseWriter, r *http.Request) {
	var req notification.Request
	if err := decodeBody(w, r, &req); err != nil {
		httpserver.Error(w, http.StatusBadRequest, err)
		return
	}
	id, err := a.orch.Submit(r.Context(), req)
	switch {
	case err == nil:
		httpserver.JSON(w, http.StatusAccepted, submitResponse{ID: id})
	case errors.Is(err, dispatch.ErrEnqueue) && id != "":
		a.log.WarnContext(r.Context(), "notification stored without jobs", logger.NotificationID(id), logger.Error(err))
		httpserver.JSON(w, http.StatusAccepted, submitResponse{ID: id, Pending: true})
	default:
		a.fail(w, r, err)
	}
}

type bulkItem struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func (a *opsAPI) submitBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []notification.Request
	if err := decodeBody(w, r, &reqs); err != nil {
		httpserver.Error(w, http.StatusBadRequest, err)
		return
	}
	results := a.orch.SubmitBulk(r.Context(), reqs)
	out := make([]bulkItem, len(results))
	for i, res := range results {
		out[i] = bulkItem{Index: res.Index, ID: res.ID}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	httpserver.JSON(w, http.StatusOK, out)
}

func (a *opsAPI) get(w http.ResponseWriter, r *http.Request) {
	n, err := a.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, n)
}

type retryRequest struct {
	Channels []notification.Channel `json:"channels"`
}

func (a *opsAPI) retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			httpserver.Error(w, http.StatusBadRequest, err)
			return
		}
	}
	chs, err := a.orch.Retry(r.Context(), chi.URLParam(r, "id"), req.Channels...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, retryRequest{Channels: chs})
}

func (a *opsAPI) cancel(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors to HTTP status codes.
func (a *opsAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notification.ErrNotFound), errors.Is(err, inbox.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, notification.ErrValidation), errors.Is(err, notification.ErrUnknownType):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, notification.ErrNotRetryable), errors.Is(err, notification.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, notification.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "ops request failed", logger.Error(err))
	}
	httpserver.Error(w, status, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// parseFilter reads a notification.Filter from the query string. Statuses
// are comma separated and instants are RFC 3339.
func parseFilter(r *http.Request) (notification.Filter, error) {
	q := r.URL.Query()
	f := notification.Filter{
		RecipientID: q.Get("recipient_id"),
		Type:        q.Get("type"),
		Priority:    notification.Priority(q.Get("priority")),
		Channel:     notification.Channel(q.Get("channel")),
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return f, fmt.Errorf("unknown priority %q", f.Priority)
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return f, fmt.Errorf("unknown channel %q", f.Channel)
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, notification.Status(strings.TrimSpace(s)))
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.CreatedFrom, "to": &f.CreatedTo} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = &t
	}
	return f, nil
}
