// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for ku.
package errors

import (
	"errors"
	"fmt"
)

// Programming errors. These are returned to the caller, never swallowed.
var (
	// ErrShutdownFromWorker is returned when Shutdown is called from the reactor worker.
	ErrShutdownFromWorker = errors.New("shutdown called from reactor worker")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("reactor already started")

	// ErrStopped is returned when Start is called after Shutdown.
	ErrStopped = errors.New("reactor stopped")

	// ErrNoListeners indicates a reactor configured without listen addresses.
	ErrNoListeners = errors.New("no listen addresses configured")

	// ErrNoSessionFactory indicates a reactor configured without a session factory.
	ErrNoSessionFactory = errors.New("no session factory configured")

	// ErrInvalidAddress indicates a host or port that cannot be used.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidTiming indicates a negative idle sleep or a poll timeout
	// below one millisecond.
	ErrInvalidTiming = errors.New("invalid poll timing")
)

// Per-connection errors. These end one session and are reported via OnClosed.
var (
	// ErrConnectionClosed indicates the peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHookPanic indicates a session hook panicked.
	ErrHookPanic = errors.New("session hook panicked")
)

// Admission errors. A refused client is closed before a session exists.
var (
	// ErrConnectionLimit indicates the concurrent session limit was reached.
	ErrConnectionLimit = errors.New("connection limit reached")

	// ErrRateLimited indicates the client exceeded its accept rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUpstreamUnavailable indicates the upstream circuit breaker is open.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// SessionError wraps an error with session context.
type SessionError struct {
	Op        string // Operation that failed (accept, connect, read, write, hook)
	SessionID string // Session identifier
	Side      string // Side the operation ran against
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Side, e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Side, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, side, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:        op,
		SessionID: sessionID,
		Side:      side,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
