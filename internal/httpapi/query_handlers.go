package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sqldesk.org/internal/audit"
	"sqldesk.org/internal/auth"
	"sqldesk.org/internal/dbexec"
	"sqldesk.org/internal/obs"
	"sqldesk.org/internal/query"
)

type submitRequest struct {
	SQL          string `json:"sql"`
	Database     string `json:"database"`
	DefectNumber string `json:"defect_number"`
}

type submissionResponse struct {
	Record            audit.Record   `json:"record"`
	Result            *dbexec.Result `json:"result,omitempty"`
	NeedsConfirmation bool           `json:"needs_confirmation,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Message           string         `json:"message,omitempty"`
}

func (a *API) handleQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	actor, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SQL = strings.TrimSpace(req.SQL)
	req.Database = strings.TrimSpace(req.Database)
	req.DefectNumber = strings.TrimSpace(req.DefectNumber)
	switch {
	case req.SQL == "":
		writeError(w, r, http.StatusBadRequest, "sql is required")
		return
	case req.Database == "":
		writeError(w, r, http.StatusBadRequest, "database is required")
		return
	case req.DefectNumber == "":
		writeError(w, r, http.StatusBadRequest, "defect_number is required")
		return
	}

	sub, err := a.queries.Submit(r.Context(), query.Request{
		SQL:          req.SQL,
		Database:     req.Database,
		DefectNumber: req.DefectNumber,
		Actor:        actor,
		Role:         auth.RoleFromContext(r.Context()),
	})
	if err != nil {
		var storeErr *audit.StoreError
		switch {
		case errors.As(err, &storeErr):
			obs.LogError("audit store failure", map[string]any{
				"op":    storeErr.Op,
				"error": storeErr.Err.Error(),
			})
			writeError(w, r, http.StatusInternalServerError, "audit store unavailable")
		case errors.Is(err, dbexec.ErrUnknownTarget):
			a.finishSubmission(r, sub)
			writeError(w, r, http.StatusBadRequest, "unknown target database")
		default:
			// Execution failed; the record already carries the driver message.
			a.finishSubmission(r, sub)
			writeJSON(w, http.StatusUnprocessableEntity, submissionResponse{
				Record:  sub.Record,
				Message: sub.Record.ErrorMessage,
			})
		}
		return
	}

	a.finishSubmission(r, sub)

	if !sub.Verdict.Allowed {
		writeJSON(w, http.StatusUnprocessableEntity, submissionResponse{
			Record:  sub.Record,
			Reason:  string(sub.Verdict.Reason),
			Message: sub.Verdict.Message,
		})
		return
	}

	if sub.NeedsConfirmation {
		writeJSON(w, http.StatusAccepted, submissionResponse{
			Record:            sub.Record,
			Result:            &sub.Result,
			NeedsConfirmation: true,
			Message:           "rows affected exceed the confirmation threshold; confirm or reject",
		})
		return
	}

	writeJSON(w, http.StatusOK, submissionResponse{
		Record: sub.Record,
		Result: &sub.Result,
	})
}

// finishSubmission publishes the audit record and bumps the submission
// counter once the record exists.
func (a *API) finishSubmission(r *http.Request, sub query.Submission) {
	if sub.Record.ID == "" {
		return
	}
	obs.ObserveSubmission(sub.Record.Database, string(sub.Record.Status))
	if a.feed != nil {
		a.feed.Publish(sub.Record)
	}
	audit.LogEvent(r.Context(), "query.submitted", map[string]any{
		"audit_id": sub.Record.ID,
		"database": sub.Record.Database,
		"status":   string(sub.Record.Status),
	})
}

// handleQueryResource serves /v1/queries/{id}, /v1/queries/{id}/confirm and
// /v1/queries/{id}/reject.
func (a *API) handleQueryResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/queries/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	actor, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		rec, err := a.queries.Get(r.Context(), id, actor, auth.RoleFromContext(r.Context()))
		if err != nil {
			a.writeQueryError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "confirm":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		sub, err := a.queries.Confirm(r.Context(), id, actor)
		if err != nil && sub.Record.ID == "" {
			a.writeQueryError(w, r, err)
			return
		}
		a.publishRecord(r, sub.Record, "query.confirmed")
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, submissionResponse{
				Record:  sub.Record,
				Message: sub.Record.ErrorMessage,
			})
			return
		}
		writeJSON(w, http.StatusOK, submissionResponse{
			Record: sub.Record,
			Result: &sub.Result,
		})
	case "reject":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		rec, err := a.queries.Reject(r.Context(), id, actor)
		if err != nil {
			a.writeQueryError(w, r, err)
			return
		}
		a.publishRecord(r, rec, "query.rejected")
		writeJSON(w, http.StatusOK, submissionResponse{Record: rec})
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) publishRecord(r *http.Request, rec audit.Record, event string) {
	obs.ObserveSubmission(rec.Database, string(rec.Status))
	if a.feed != nil {
		a.feed.Publish(rec)
	}
	audit.LogEvent(r.Context(), event, map[string]any{
		"audit_id": rec.ID,
		"database": rec.Database,
		"status":   string(rec.Status),
	})
}

func (a *API) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	var storeErr *audit.StoreError
	switch {
	case errors.As(err, &storeErr):
		obs.LogError("audit store failure", map[string]any{
			"op":    storeErr.Op,
			"error": storeErr.Err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "audit store unavailable")
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "submission not found")
	case errors.Is(err, query.ErrNotOwner):
		writeError(w, r, http.StatusForbidden, "submission belongs to another user")
	case errors.Is(err, audit.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "submission is no longer pending")
	case errors.Is(err, dbexec.ErrUnknownTarget):
		writeError(w, r, http.StatusBadRequest, "unknown target database")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
