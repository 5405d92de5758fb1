package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
)

// errorBody is the failure envelope.
type errorBody struct {
	Success   bool           `json:"success"`
	ErrorCode apperr.Code    `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(k apperr.Kind) int {
	switch k {
	case apperr.ValidationError, apperr.InvalidStep:
		return http.StatusBadRequest
	case apperr.AccessDenied:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.AudioQualityPoor:
		return http.StatusUnprocessableEntity
	case apperr.NotReady:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.ModelLoadError:
		return http.StatusServiceUnavailable
	case apperr.SynthesisError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs err and writes the failure envelope. Unclassified errors
// are reported as SystemError with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Wrap(apperr.SystemError, err, "api: unexpected failure")
	}
	status := StatusFor(e.Kind)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "kind", e.Kind, "code", e.Code, "err", err)
	} else {
		log.Warn("request rejected", "path", r.URL.Path, "kind", e.Kind, "code", e.Code, "err", err)
	}
	writeJSON(w, status, errorBody{
		ErrorCode: e.Code,
		Message:   e.PublicMessage(),
		Details:   e.Details,
	})
}

// writeResponse writes a service response, using the failure status of its
// error kind when it did not succeed.
func writeResponse(w http.ResponseWriter, status int, success bool, kind apperr.Kind, v any) {
	if !success {
		status = StatusFor(kind)
	}
	writeJSON(w, status, v)
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "api: decode request body").
			WithUserMessage("Request body must be valid JSON")
	}
	return nil
}

// OwnerID identifies the calling user: the X-User-ID header, else a stable
// anonymous id derived from the remote host.
func OwnerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	h := fnv.New32a()
	h.Write([]byte(host))
	return fmt.Sprintf("user_%d", h.Sum32()%10000)
}

func notFound(format string, args ...any) error {
	return apperr.New(apperr.NotFound, format, args...)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		ErrorCode: apperr.CodeInvalidInput,
		Message:   fmt.Sprintf("Method %s is not allowed on %s", r.Method, r.URL.Path),
	})
}

// uploadTooLarge reports whether err came from an exceeded body limit.
func uploadTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
