// Package errors provides error handling for Conductor.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle missing job record
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the orchestrator.
// Use these with errors.Is() for type-safe error checking and wrap them with
// errors.Wrap() to add context while preserving the kind.
var (
	// ErrBrokerUnavailable indicates a transport-level broker failure.
	// Callers treat this as transient and retry with capped backoff.
	ErrBrokerUnavailable = New("broker unavailable")

	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates an optimistic write lost to a concurrent update
	ErrConflict = New("version conflict")

	// ErrTransient indicates a retriable hop failure; the job is requeued
	// on the same module queue up to the configured attempt ceiling.
	ErrTransient = New("transient failure")

	// ErrPermanent indicates a terminal hop failure; the job is failed.
	ErrPermanent = New("permanent failure")

	// ErrTimeout indicates the module handler exceeded its deadline
	ErrTimeout = New("handler deadline exceeded")

	// ErrInputTimeout indicates a parked job's waiting TTL expired
	ErrInputTimeout = New("human input wait expired")

	// ErrCancelled indicates the client requested cancellation
	ErrCancelled = New("cancelled by client")

	// ErrUnroutableState indicates an edge function matched no successor.
	// This is a programmer error in the graph definition.
	ErrUnroutableState = New("no edge matches state")
)

// IsBrokerUnavailable checks if an error is or wraps ErrBrokerUnavailable
func IsBrokerUnavailable(err error) bool {
	return err != nil && Is(err, ErrBrokerUnavailable)
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsTransient reports whether a hop failure should be retried on the same
// queue rather than failing the job.
func IsTransient(err error) bool {
	return err != nil && (Is(err, ErrTransient) || Is(err, ErrBrokerUnavailable))
}
