// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error surfaced by the client core matches exactly one
// of these with errors.Is.
var (
	// ErrEngine means the engine rejected the input (bit width, malformed
	// handle). Not retriable without changing the input.
	ErrEngine = errors.New("engine rejected operation")
	// ErrAuthorizationRejected means the signer declined or the relayer refused
	// the signed authorization. Needs a fresh user action.
	ErrAuthorizationRejected = errors.New("authorization rejected")
	// ErrPermissionNotYetVisible means the decryption service has not observed
	// the permission grant yet. Retriable after an additional delay.
	ErrPermissionNotYetVisible = errors.New("permission not yet visible")
	// ErrTransientNetwork means the decryption service could not be reached.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrAuthorizationExpired means the credential window elapsed.
	ErrAuthorizationExpired = errors.New("authorization expired")
	// ErrNotReady means call preconditions were not met.
	ErrNotReady = errors.New("not ready")
)

// ErrInvalidHandle reports a handle that does not decode to HandleLength bytes.
var ErrInvalidHandle = errors.New("invalid ciphertext handle")

var kinds = []error{
	ErrEngine,
	ErrAuthorizationRejected,
	ErrPermissionNotYetVisible,
	ErrTransientNetwork,
	ErrAuthorizationExpired,
	ErrNotReady,
}

// Error attaches a failure kind and the failing operation to a cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError returns an *Error of the given kind. A nil cause is allowed.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind err matches, or nil when err is nil or
// carries no kind.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Retriable reports whether the caller may re-issue the same call unchanged.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrPermissionNotYetVisible)
}

// KindName returns a short stable label for the kind of err, suitable for
// metrics and wire codes.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrEngine:
		return "engine_error"
	case ErrAuthorizationRejected:
		return "authorization_rejected"
	case ErrPermissionNotYetVisible:
		return "permission_not_visible"
	case ErrTransientNetwork:
		return "transient_network"
	case ErrAuthorizationExpired:
		return "authorization_expired"
	case ErrNotReady:
		return "not_ready"
	case nil:
		if err == nil {
			return "ok"
		}
	}
	return "unknown"
}

// KindFromName is the inverse of KindName. Unknown names return nil.
func KindFromName(name string) error {
	for _, kind := range kinds {
		if KindName(kind) == name {
			return kind
		}
	}
	return nil
}
