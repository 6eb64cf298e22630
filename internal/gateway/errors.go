package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindMissingToken
	KindNotFound
	KindSignatureInvalid
	KindReplayDetected
	KindPayloadTooLarge
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindMissingToken:
		return "missing_token"
	case KindNotFound:
		return "not_found"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindReplayDetected:
		return "replay_detected"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Status is the HTTP status for k. A soft-failed signature never reaches
// the error path, so KindSignatureInvalid is always a rejection.
func (k Kind) Status() int {
	switch k {
	case KindMissingToken:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindSignatureInvalid, KindReplayDetected:
		return http.StatusUnauthorized
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// message is the response body text. It never carries error detail.
func (k Kind) message() string {
	switch k {
	case KindMissingToken:
		return "missing token"
	case KindNotFound:
		return "not found"
	case KindSignatureInvalid, KindReplayDetected:
		return "unauthorized"
	case KindPayloadTooLarge:
		return "payload too large"
	default:
		return "internal error"
	}
}

// Error is a classified failure of one webhook request.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or KindPersistence for unclassified errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindPersistence
}
