package model

import "errors"

var (
	// ErrInvalidParameters marks bad construction-time configuration. It is
	// fatal and never retried.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrTransientUnavailable marks a window extraction or store call that
	// failed for now and is retried on the next reconciliation tick.
	ErrTransientUnavailable = errors.New("transient unavailable")

	// ErrCorruptSnapshot marks a snapshot that failed its consistency check.
	// Such a snapshot is discarded and the previous one stays published.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrNotFound is returned by stores that hold no window yet.
	ErrNotFound = errors.New("not found")
)
