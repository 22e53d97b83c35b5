package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/carebridge/dispatch/pkg/httpserver"
	"github.com/carebridge/dispatch/pkg/inbox"
	"github.com/carebridge/dispatch/pkg/logger"
)

const defaultInboxPage = 50

func (a *opsAPI) listInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := inbox.ListOptions{
		Limit:      defaultInboxPage,
		OnlyUnread: q.Get("unread") == "true",
		Types:      q["type"],
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpserver.Error(w, http.StatusBadRequest, strconv.ErrSyntax)
			return
		}
		*dst = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpserver.Error(w, http.StatusBadRequest, err)
			return
		}
		opts.Since = &t
	}

	items, err := a.inbox.List(r.Context(), chi.URLParam(r, "userID"), opts)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if items == nil {
		items = []inbox.Item{}
	}
	httpserver.JSON(w, http.StatusOK, items)
}

type unreadResponse struct {
	Unread int `json:"unread"`
}

func (a *opsAPI) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.inbox.CountUnread(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpserver.JSON(w, http.StatusOK, unreadResponse{Unread: n})
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

func (a *opsAPI) markRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeBody(w, r, &req); err != nil {
		httpserver.Error(w, http.StatusBadRequest, err)
		return
	}
	if err := a.inbox.MarkRead(r.Context(), chi.URLParam(r, "userID"), req.IDs...); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inboxSignals struct {
	Unread int         `json:"unread"`
	Latest *inbox.Item `json:"latest,omitempty"`
}

// streamInbox pushes the unread count, and every new item, to a browser as
// datastar signal patches. The stream ends when the client leaves or falls
// behind; the client then reconnects and starts from the current count.
func (a *opsAPI) streamInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	items := a.hub.Subscribe(ctx, userID)

	unread, err := a.inbox.CountUnread(ctx, userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	sse := datastar.NewSSE(w, r)
	if err := patchInbox(sse, inboxSignals{Unread: unread}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			if !item.Read {
				unread++
			}
			if err := patchInbox(sse, inboxSignals{Unread: unread, Latest: &item}); err != nil {
				a.log.DebugContext(ctx, "inbox stream closed", logger.RecipientID(userID), logger.Error(err))
				return
			}
		}
	}
}

func patchInbox(sse *datastar.ServerSentEventGenerator, s inboxSignals) error {
	data, err := json.Marshal(map[string]inboxSignals{"inbox": s})
	if err != nil {
		return err
	}
	return sse.PatchSignals(data)
}
