package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"driplet/internal/admission"
	"driplet/internal/meta"
	"driplet/internal/session"
)

// apiError is the wire shape of every error response.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	// Existing carries the public name on duplicate conflicts.
	Existing string `json:"existing,omitempty"`
}

// errGone marks a record past its TTL but not yet swept.
var errGone = errors.New("file has expired")

// errBodyTooLarge aliases the admission size error so oversized bodies map
// to the same 413.
var errBodyTooLarge = admission.ErrTooLarge

// writeError maps a component error onto its stable status and code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)

	var rl *admission.RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, apiError) {
	var (
		rl  *admission.RateLimitedError
		dup *admission.DuplicateError
		mw  *meta.MirrorError
	)
	switch {
	case errors.As(err, &dup):
		return http.StatusConflict, apiError{
			Message: dup.Error(), Code: "duplicate", Existing: dup.Name,
		}
	case errors.Is(err, admission.ErrBanned):
		return http.StatusForbidden, apiError{Message: "access denied", Code: "banned"}
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, apiError{
			Message: "too many requests, try again later", Code: "rate-limited",
		}
	case errors.Is(err, admission.ErrForbiddenExtension):
		return http.StatusUnsupportedMediaType, apiError{
			Message: "this file type is not accepted", Code: "forbidden-extension",
		}
	case errors.Is(err, admission.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, apiError{
			Message: "file exceeds the size limit", Code: "too-large",
		}
	case errors.Is(err, admission.ErrQuotaBlocked):
		return http.StatusInsufficientStorage, apiError{
			Message: "storage is full, try again later", Code: "quota-blocked",
		}
	case errors.Is(err, admission.ErrActiveCapReached):
		return http.StatusTooManyRequests, apiError{
			Message: "active file limit reached, delete something first", Code: "active-cap",
		}
	case errors.Is(err, session.ErrChecksum):
		return http.StatusBadRequest, apiError{
			Message: "assembled content does not match the declared hash", Code: "checksum-mismatch",
		}
	case errors.Is(err, session.ErrBadIndex),
		errors.Is(err, session.ErrBadLength),
		errors.Is(err, session.ErrChunkConflict),
		errors.Is(err, session.ErrIncomplete),
		errors.Is(err, session.ErrWrongState),
		errors.Is(err, session.ErrTooManyChunks):
		return http.StatusBadRequest, apiError{Message: err.Error(), Code: "malformed-chunk"}
	case errors.Is(err, errGone):
		return http.StatusGone, apiError{Message: "this file has expired", Code: "gone"}
	case errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, meta.ErrNotFound),
		errors.Is(err, meta.ErrNotOwner):
		// Ownership mismatches render as not-found to avoid leaking
		// whether the name exists for someone else.
		return http.StatusNotFound, apiError{Message: "not found", Code: "not-found"}
	case errors.As(err, &mw):
		return http.StatusInternalServerError, apiError{
			Message: "internal error", Code: "internal",
		}
	default:
		return http.StatusInternalServerError, apiError{
			Message: "internal error", Code: "internal",
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
