package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sqldesk.org/internal/audit"
	"sqldesk.org/internal/auth"
	"sqldesk.org/internal/obs"
)

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !auth.IsAdmin(r.Context()) {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	records, err := a.store.List(r.Context(), filter)
	if err != nil {
		var storeErr *audit.StoreError
		if errors.As(err, &storeErr) {
			obs.LogError("audit store failure", map[string]any{
				"op":    storeErr.Op,
				"error": storeErr.Err.Error(),
			})
			writeError(w, r, http.StatusInternalServerError, "audit store unavailable")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:    strings.TrimSpace(q.Get("actor")),
		Database: strings.TrimSpace(q.Get("database")),
	}

	if s := strings.TrimSpace(q.Get("status")); s != "" {
		status := audit.Status(s)
		if !status.Valid() {
			return audit.Filter{}, fmt.Errorf("unknown status %q", s)
		}
		f.Status = status
	}
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("invalid from timestamp: %v", err)
		}
		f.From = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("invalid to timestamp: %v", err)
		}
		f.To = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return audit.Filter{}, fmt.Errorf("invalid limit %q", s)
		}
		f.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return audit.Filter{}, fmt.Errorf("invalid offset %q", s)
		}
		f.Offset = n
	}
	return f, nil
}

// handleAuditStream pushes new audit records over SSE as they are written.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !auth.IsAdmin(r.Context()) {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return
	}
	if a.feed == nil {
		writeError(w, r, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := a.feed.Subscribe(r.Context())
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case rec, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: audit\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
