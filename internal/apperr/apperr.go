// Package apperr defines the error taxonomy shared by services and handlers.
//
// Services return *Error values (or wrap them); handlers translate them into
// HTTP responses with HTTPStatus and PublicMessage so that internal causes
// never leak to clients.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindDelivery
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDelivery:
		return "delivery"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a classified error with a message that is safe to show to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind and message, so package-level
// sentinels keep working after being wrapped with a cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Err: cause}
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Validation(msg string) *Error     { return New(KindValidation, msg) }
func Authentication(msg string) *Error { return New(KindAuthentication, msg) }
func Authorization(msg string) *Error  { return New(KindAuthorization, msg) }
func NotFound(msg string) *Error       { return New(KindNotFound, msg) }
func Conflict(msg string) *Error       { return New(KindConflict, msg) }

// Delivery wraps a mail transport failure.
func Delivery(cause error) *Error {
	return &Error{Kind: KindDelivery, Message: "message delivery failed", Err: cause}
}

// Storage wraps a filesystem or database failure. The message stays generic.
func Storage(cause error) *Error {
	return &Error{Kind: KindStorage, Message: "internal server error", Err: cause}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// PublicMessage returns the client-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps err to a conventional status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
