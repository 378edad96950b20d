// Package common holds the sentinel errors shared across mailvault
// components. Callers match them with errors.Is to branch on failure kind
// without depending on the producing package.
package common

import "errors"

var (

	// repository and object-store specific errors
	ErrNotFound = errors.New("not found")

	// ErrStaleCursor marks a history cursor the mailbox no longer accepts.
	// Callers fall back to a full enumeration instead of failing the pass.
	ErrStaleCursor = errors.New("stale history cursor")

	// auth-specific errors
	ErrNoToken      = errors.New("no stored token, run auth first")
	ErrMissingScope = errors.New("missing oauth scope")
	ErrPermission   = errors.New("permission denied")

	// ErrLocked means another process holds the run lock for the state directory.
	ErrLocked = errors.New("state directory locked by another run")
)
