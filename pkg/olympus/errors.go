package olympus

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tartarus-sandbox/minos/pkg/cerberus"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/erinyes"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, APIError{Code: code, Message: msg})
}

// statusFor maps a domain error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	var kerr *cerberus.KeyAuthError
	if errors.As(err, &kerr) {
		return kerr.HTTPStatus(), string(kerr.Kind)
	}
	if v, ok := erinyes.AsViolation(err); ok {
		if v.Type == erinyes.ViolationRateLimit {
			return http.StatusTooManyRequests, string(v.Type)
		}
		return http.StatusForbidden, string(v.Type)
	}

	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, themis.ErrUnknownScope),
		errors.Is(err, themis.ErrInvalidManifest),
		errors.Is(err, cerberus.ErrInvalidKeyRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, hades.ErrPluginNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, cerberus.ErrKeyRevoked):
		return http.StatusConflict, "conflict"
	case errors.Is(err, cerberus.ErrAccessDenied):
		return http.StatusForbidden, "access_denied"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail writes err. Server errors are logged and their text is not exposed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "admin request failed", "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	writeError(w, status, code, msg)
}
