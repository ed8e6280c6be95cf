// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as handlers
// to distinguish between different failure scenarios: ErrMatchNotFound maps
// to a 404, ErrConflict to a 409 (for example an invalid status transition),
// and ErrClosed to the match refusing the operation in its current state.
package repository

import "errors"

// ErrMatchNotFound is returned when no match row exists for the given id.
// Handlers should translate this into an HTTP 404 response.
var ErrMatchNotFound = errors.New("match not found")

// ErrConflict is returned when an update cannot be performed because of
// conflicting state, such as transitioning a FINISHED match. Handlers
// should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrClosed is returned when a match is not accepting the attempted
// operation in its current status.
var ErrClosed = errors.New("match closed")
