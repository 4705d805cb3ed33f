package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haldane/conduit"
)

// APIError is a structured error returned by the broker. It maps wire
// error kinds back onto the conduit sentinel errors, so callers can use
// errors.Is against them on either side of the HTTP boundary.
type APIError struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("conduit: %s at %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("conduit: %s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match the broker-side sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Kind {
	case "not_found":
		return target == conduit.ErrJobNotFound ||
			target == conduit.ErrServiceNotFound ||
			target == conduit.ErrSchemaVersionNotFound
	case "service_retired":
		return target == conduit.ErrServiceRetired
	case "invalid_state":
		return target == conduit.ErrInvalidState
	case "stale_claim":
		return target == conduit.ErrStaleClaim
	case "job_exists":
		return target == conduit.ErrJobExists
	}
	return false
}

// decodeAPIError parses an error envelope from a non-2xx response.
func decodeAPIError(status int, body []byte) error {
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Kind == "" {
		return &APIError{
			Status:  status,
			Kind:    "http_error",
			Message: http.StatusText(status),
		}
	}
	env.Error.Status = status
	return &env.Error
}
