// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package fhevault

import "github.com/luxfi/fhevault/engine"

// Failure kinds returned by the Client. Match them with errors.Is.
var (
	ErrEngine                  = engine.ErrEngine
	ErrAuthorizationRejected   = engine.ErrAuthorizationRejected
	ErrPermissionNotYetVisible = engine.ErrPermissionNotYetVisible
	ErrTransientNetwork        = engine.ErrTransientNetwork
	ErrAuthorizationExpired    = engine.ErrAuthorizationExpired
	ErrNotReady                = engine.ErrNotReady
)

// Retriable reports whether err allows re-issuing the same call unchanged,
// possibly after an additional delay.
func Retriable(err error) bool {
	return engine.Retriable(err)
}

// kinded returns err unchanged when it already carries a failure kind or is
// a context error, and wraps it as kind otherwise.
func kinded(kind error, op string, err error) error {
	if err == nil || engine.KindOf(err) != nil || isContextErr(err) {
		return err
	}
	return engine.NewError(kind, op, err)
}
