// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the registry proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrConfiguration indicates invalid startup configuration.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrCredential indicates a credential acquisition or decryption failure.
	ErrCredential = errors.New("credential failure")

	// ErrProtocolViolation indicates a protocol-level error from a client.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBackendUnavailable indicates the backend could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnauthorized indicates the backend rejected the proxy's credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrFrameTooLarge indicates a frame exceeded the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// RelayKind classifies a failed relay call.
type RelayKind int

const (
	// RelayTimeout means the backend call exceeded its deadline.
	RelayTimeout RelayKind = iota

	// RelayAuthError means the backend rejected the bearer token.
	RelayAuthError

	// RelayBackendUnavailable means the backend was unreachable or returned
	// a retryable gateway error.
	RelayBackendUnavailable

	// RelayBackendRejected means the backend understood the request and
	// returned an application-level error. This is not a proxy failure.
	RelayBackendRejected
)

// String returns a string representation of the relay error kind.
func (k RelayKind) String() string {
	switch k {
	case RelayTimeout:
		return "timeout"
	case RelayAuthError:
		return "auth_error"
	case RelayBackendUnavailable:
		return "backend_unavailable"
	case RelayBackendRejected:
		return "backend_rejected"
	default:
		return "unknown"
	}
}

// RelayError describes a failed relay call to the backend.
type RelayError struct {
	Kind     RelayKind
	Protocol string // Protocol name (epp, whois)
	Status   int    // Backend HTTP status, if any
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("relay %s [%s] status %d: %v", e.Protocol, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("relay %s [%s]: %v", e.Protocol, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewRelayError creates a RelayError for the given protocol and kind.
func NewRelayError(kind RelayKind, protocol string, status int, err error) *RelayError {
	return &RelayError{
		Kind:     kind,
		Protocol: protocol,
		Status:   status,
		Err:      err,
	}
}

// AsRelayError unwraps err into a RelayError, if it is one.
func AsRelayError(err error) (*RelayError, bool) {
	var re *RelayError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ProxyError wraps an error with connection context.
type ProxyError struct {
	Op         string // Operation that failed
	Protocol   string // Protocol (epp, whois, health-check)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
