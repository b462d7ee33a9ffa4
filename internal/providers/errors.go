package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorKind string

const (
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindRateLimited          ErrorKind = "rate_limited"
	KindModelNotFound        ErrorKind = "model_not_found"
	KindUpstream             ErrorKind = "upstream_error"
	KindUnsupported          ErrorKind = "unsupported"
	KindValidation           ErrorKind = "validation_failed"
)

// Error is a vendor or gateway failure. Message is shown to users as-is, so
// vendor text is kept verbatim.
type Error struct {
	Kind     ErrorKind
	Provider ProviderID
	Status   int
	Message  string
	Err      error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrModelNotFound        = &Error{Kind: KindModelNotFound}
	ErrUpstream             = &Error{Kind: KindUpstream}
	ErrUnsupported          = &Error{Kind: KindUnsupported}
	ErrValidation           = &Error{Kind: KindValidation}
)

func NewError(kind ErrorKind, provider ProviderID, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Provider == "" && t.Kind == e.Kind
}

// Unsupported reports an operation the vendor or model cannot perform.
func Unsupported(provider ProviderID, op string) *Error {
	return NewError(KindUnsupported, provider, fmt.Sprintf("%s is not supported by %s", op, provider))
}

// FromStatus builds an Error from a non-2xx vendor response.
func FromStatus(provider ProviderID, status int, body []byte) *Error {
	msg := vendorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("provider status %d: %s", status, http.StatusText(status))
	}
	return &Error{Kind: kindForStatus(status), Provider: provider, Status: status, Message: msg}
}

// FromTransport wraps a failure to reach the vendor at all.
func FromTransport(provider ProviderID, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	msg := err.Error()
	if errors.Is(err, context.Canceled) {
		msg = "request canceled"
	} else if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &Error{Kind: KindUpstream, Provider: provider, Message: msg, Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthenticationFailed
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindUpstream
	}
}

// vendorMessage digs the human readable message out of the usual vendor
// error envelopes.
func vendorMessage(body []byte) string {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		if len(body) > 512 {
			body = body[:512]
		}
		return string(body)
	}
	if len(payload.Error) > 0 {
		var s string
		if err := json.Unmarshal(payload.Error, &s); err == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return payload.Message
}

// KindOf returns the kind of err, or KindUpstream for foreign errors.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUpstream
}

// ErrorMessage is the text delivered to OnError for err.
func ErrorMessage(err error) string {
	if err == nil {
		return "Unknown error"
	}
	var perr *Error
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown error"
}
