package chatsync

import (
	"errors"
	"fmt"
)

// APIError is the error body returned by the backend.
type APIError struct {
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Name + ": " + e.Message
}

// NetworkError is a transport failure or a non-2xx, non-auth HTTP response.
type NetworkError struct {
	Op         string
	StatusCode int
	API        *APIError
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.API != nil:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.API.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the session token is missing, expired or was rejected.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "auth: " + e.Reason + ": " + e.Err.Error()
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError is malformed mutation input caught before any I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}

// SocketAuthError is a handshake or token rejection on the realtime channel.
type SocketAuthError struct {
	Message string
}

func (e *SocketAuthError) Error() string {
	return "socket auth: " + e.Message
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
