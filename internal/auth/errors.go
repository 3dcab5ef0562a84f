// errors.go -- Error taxonomy for the registration and login flows.
package auth

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a flow failure and fixes its HTTP status.
type Kind int

const (
	// KindValidation is bad input or a policy violation; the user can correct it.
	KindValidation Kind = iota + 1
	// KindDuplicate is an email or phone that is already registered.
	KindDuplicate
	// KindNotFound is absent or expired pending state; the user must restart the flow.
	KindNotFound
	// KindUnauthorized is a failed credential check. Its message is always generic.
	KindUnauthorized
	// KindRateLimited is a lockout or threat block and carries a retry hint.
	KindRateLimited
	// KindDependency is an external provider failure; the user may retry.
	KindDependency
	// KindInternal is anything unexpected. Details are logged, never returned.
	KindInternal
)

// Status maps k to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindDuplicate, KindNotFound:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified flow failure. Message is safe to return to the client.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

func notFoundError(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

func internalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// writeError renders err. Unclassified errors are treated as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = internalError(err)
	}

	switch e.Kind {
	case KindInternal:
		InternalServerError(w, r, e.Err)
	case KindDependency:
		logError(r, "dependency failure", "error", e.Err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": e.Message})
	case KindRateLimited:
		secs := int(e.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"message":          e.Message,
			"retryAfter":       secs,
			"remainingMinutes": int((e.RetryAfter + time.Minute - 1) / time.Minute),
		})
	default:
		writeJSON(w, e.Kind.Status(), map[string]string{"message": e.Message})
	}
}
