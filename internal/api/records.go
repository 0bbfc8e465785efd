package api

import (
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"golang.org/x/xerrors"

	"roadwatch/internal/data"
	"roadwatch/internal/httpapi"
	"roadwatch/internal/store"
	"roadwatch/internal/validate"
)

// IngestResponse acknowledges a stored submission.
type IngestResponse struct {
	Message   string `json:"message"`
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
}

func (api *API) postProcessedAgentData(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := validate.Decode(r.Body)
	if err != nil {
		api.writeError(rw, r, err)
		return
	}
	if raw.AgentData != nil && raw.AgentData.UserID != nil {
		api.Logger.Info(ctx, "received submission", slog.F("agent_id", *raw.AgentData.UserID))
	}

	stored, err := api.Ingest.Ingest(ctx, raw)
	if err != nil {
		api.writeError(rw, r, err)
		return
	}

	httpapi.Write(rw, http.StatusCreated, IngestResponse{
		Message:   "Data inserted successfully",
		ID:        stored.ID,
		RequestID: data.RequestID(ctx).String(),
	})
}

func (api *API) listProcessedAgentData(rw http.ResponseWriter, r *http.Request) {
	records, err := api.Store.List(r.Context())
	if err != nil {
		api.writeError(rw, r, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, records)
}

func (api *API) getProcessedAgentData(rw http.ResponseWriter, r *http.Request) {
	id, ok := parseID(rw, r)
	if !ok {
		return
	}
	rec, err := api.Store.Get(r.Context(), id)
	if err != nil {
		api.writeError(rw, r, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, rec)
}

// putProcessedAgentData replaces every field of an existing record. Updates
// are not published to listeners.
func (api *API) putProcessedAgentData(rw http.ResponseWriter, r *http.Request) {
	id, ok := parseID(rw, r)
	if !ok {
		return
	}
	raw, err := validate.Decode(r.Body)
	if err != nil {
		api.writeError(rw, r, err)
		return
	}
	rec, err := validate.Record(raw)
	if err != nil {
		api.writeError(rw, r, err)
		return
	}
	updated, err := api.Store.Update(r.Context(), id, rec)
	if err != nil {
		api.writeError(rw, r, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, updated)
}

func (api *API) deleteProcessedAgentData(rw http.ResponseWriter, r *http.Request) {
	id, ok := parseID(rw, r)
	if !ok {
		return
	}
	deleted, err := api.Store.Delete(r.Context(), id)
	if err != nil {
		api.writeError(rw, r, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, deleted)
}

func parseID(rw http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
			Message: "Invalid record id.",
			Errors:  []httpapi.Error{{Field: "id", Detail: "must be an integer, got " + strconv.Quote(raw)}},
		})
		return 0, false
	}
	return id, true
}

// writeError maps the pipeline's error kinds onto status codes: rejected
// input is a 400, a missing record a 404, anything else a 500.
func (api *API) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	var verr *validate.Error
	switch {
	case xerrors.As(err, &verr):
		resp := httpapi.Response{
			Message: "Invalid submission.",
			Detail:  verr.Error(),
		}
		if verr.Field != "" {
			resp.Errors = []httpapi.Error{{Field: verr.Field, Detail: verr.Kind.String()}}
		}
		httpapi.Write(rw, http.StatusBadRequest, resp)
	case xerrors.Is(err, store.ErrNotFound):
		httpapi.ResourceNotFound(rw)
	default:
		api.Logger.Error(r.Context(), "request failed",
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.F("request_id", data.RequestID(r.Context()).String()),
			slog.Error(err),
		)
		httpapi.InternalServerError(rw, err)
	}
}
