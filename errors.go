package shipchat

import (
	"fmt"
	"net/http"
)

// APIError is a normalized server error: the server's error id and message
// plus the HTTP status the call failed with.
type APIError struct {
	ID         string `json:"id,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e *APIError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.ID, e.Message, e.StatusCode)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

// AuthError means bad credentials or an expired session. Callers treat it as
// a forced-logout signal.
type AuthError struct{ APIError }

// PermissionError means the caller lacks rights. It is terminal: an
// administrator has to act, the client never retries it.
type PermissionError struct{ APIError }

// NotFoundError means the resource (or vessel mapping) does not exist.
type NotFoundError struct{ APIError }

// ConflictError means the resource already exists. Creation paths treat it
// as success-with-existing-resource.
type ConflictError struct{ APIError }

// NetworkError is a transport failure. It triggers fallback paths: the
// channel-list fallback and the WebSocket-to-polling fallback.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// normalizeError maps an HTTP failure to the client error taxonomy,
// propagating the server error body when it parses.
func normalizeError(statusCode int, se serverError) error {
	if se.Message == "" {
		se.Message = http.StatusText(statusCode)
	}
	api := APIError{ID: se.ID, Message: se.Message, StatusCode: statusCode}
	switch statusCode {
	case http.StatusUnauthorized:
		return &AuthError{api}
	case http.StatusForbidden:
		return &PermissionError{api}
	case http.StatusNotFound:
		return &NotFoundError{api}
	case http.StatusConflict:
		return &ConflictError{api}
	}
	return &api
}
