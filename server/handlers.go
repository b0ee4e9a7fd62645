package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"dairylab/auth"
	"dairylab/records"
)

const maxBodyBytes = 1 << 20

const (
	msgInternal      = "Internal server error"
	msgNotFound      = "Report not found"
	msgInvalidID     = "Invalid report ID"
	msgInvalidBody   = "Invalid request body"
	msgMissingDates  = "Missing startDate or endDate"
	msgInvalidDates  = "Invalid date format"
	msgUnauthorized  = "Missing or invalid Authorization header"
	msgUploaded      = "Data uploaded successfully"
	msgUpdated       = "Data updated successfully"
	msgReportDeleted = "Report deleted successfully"
)

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string          `json:"message"`
	ID      int64           `json:"id,omitempty"`
	Data    *records.Record `json:"data,omitempty"`
}

type listResponse struct {
	Reports []records.Summary `json:"reports"`
}

func (a *App) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, userID, ok := a.scope(w, r)
	if !ok {
		return
	}
	in, ok := a.readInput(w, r)
	if !ok {
		return
	}

	id, err := a.Records.Create(r.Context(), kind, userID, in)
	if err != nil {
		a.internalError(w, r, "create record", err)
		return
	}
	a.Logger.Info("record created", "kind", kind.Slug, "id", id, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, messageResponse{Message: msgUploaded, ID: id})
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	kind, userID, ok := a.scope(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	start, end := strings.TrimSpace(q.Get("startDate")), strings.TrimSpace(q.Get("endDate"))
	if start == "" || end == "" {
		writeError(w, http.StatusBadRequest, msgMissingDates)
		return
	}
	from, err := records.ParseDate(start)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidDates)
		return
	}
	to, err := records.ParseDate(end)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidDates)
		return
	}

	reports, err := a.Records.List(r.Context(), kind, userID, from, to)
	if err != nil {
		a.internalError(w, r, "list records", err)
		return
	}
	writeJSON(w, listResponse{Reports: reports})
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, userID, ok := a.scope(w, r)
	if !ok {
		return
	}
	id, ok := reportID(w, r)
	if !ok {
		return
	}

	rec, err := a.Records.Get(r.Context(), kind, userID, id)
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err != nil {
		a.internalError(w, r, "get record", err)
		return
	}
	writeJSON(w, rec)
}

func (a *App) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, userID, ok := a.scope(w, r)
	if !ok {
		return
	}
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	in, ok := a.readInput(w, r)
	if !ok {
		return
	}

	rec, err := a.Records.Update(r.Context(), kind, userID, id, in)
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err != nil {
		a.internalError(w, r, "update record", err)
		return
	}
	writeJSON(w, messageResponse{Message: msgUpdated, Data: rec})
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, userID, ok := a.scope(w, r)
	if !ok {
		return
	}
	id, ok := reportID(w, r)
	if !ok {
		return
	}

	err := a.Records.Delete(r.Context(), kind, userID, id)
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err != nil {
		a.internalError(w, r, "delete record", err)
		return
	}
	a.Logger.Info("record deleted", "kind", kind.Slug, "id", id, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, messageResponse{Message: msgReportDeleted, ID: id})
}

// scope resolves the record kind from the path and the owner from the verified identity.
func (a *App) scope(w http.ResponseWriter, r *http.Request) (records.Kind, string, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return records.Kind{}, "", false
	}
	kind, err := records.LookupKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return records.Kind{}, "", false
	}
	return kind, id.SubjectID, true
}

func (a *App) readInput(w http.ResponseWriter, r *http.Request) (records.Input, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgInvalidBody)
			return records.Input{}, false
		}
		a.Logger.Debug("reading record body failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return records.Input{}, false
	}
	in, err := records.ParseInput(body)
	if err != nil {
		a.Logger.Debug("rejected record body", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return records.Input{}, false
	}
	return in, true
}

func (a *App) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.Logger.Error(op+" failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, msgInternal)
}

func reportID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, msgInvalidID)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, errorResponse{Error: msg})
}
