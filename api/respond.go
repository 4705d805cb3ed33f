package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/schema"
)

type dataEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// respond writes a {"data": ...} envelope.
func (a *API) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(dataEnvelope{Data: v}); err != nil {
		a.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

// respondError classifies err into an error kind and status code and
// writes a {"error": {...}} envelope.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, info := classify(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorEnvelope{Error: info}); encErr != nil {
		a.logger.Error("encode error response", slog.String("error", encErr.Error()))
	}
}

// respondBadRequest reports a malformed request body or parameter.
func (a *API) respondBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorEnvelope{ //nolint:errcheck // best-effort error response
		Error: errorInfo{Kind: "bad_request", Message: msg},
	})
}

// classify maps domain errors onto HTTP status codes and wire kinds.
func classify(err error) (int, errorInfo) {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity, errorInfo{
			Kind:    "validation_failed",
			Message: ve.Reason,
			Path:    ve.Path,
		}
	}

	switch {
	case errors.Is(err, conduit.ErrServiceNotFound),
		errors.Is(err, conduit.ErrJobNotFound),
		errors.Is(err, conduit.ErrSchemaVersionNotFound):
		return http.StatusNotFound, errorInfo{Kind: "not_found", Message: err.Error()}
	case errors.Is(err, conduit.ErrServiceRetired):
		return http.StatusGone, errorInfo{Kind: "service_retired", Message: err.Error()}
	case errors.Is(err, conduit.ErrStaleClaim):
		return http.StatusConflict, errorInfo{Kind: "stale_claim", Message: err.Error()}
	case errors.Is(err, conduit.ErrInvalidState):
		return http.StatusConflict, errorInfo{Kind: "invalid_state", Message: err.Error()}
	case errors.Is(err, conduit.ErrJobExists):
		return http.StatusConflict, errorInfo{Kind: "job_exists", Message: err.Error()}
	case errors.Is(err, schema.ErrInvalid):
		return http.StatusUnprocessableEntity, errorInfo{Kind: "schema_invalid", Message: err.Error()}
	}

	return http.StatusInternalServerError, errorInfo{Kind: "internal", Message: "internal error"}
}
