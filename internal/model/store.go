package model

import "context"

// Store defines the durable collaborator that keeps closed-window results.
// The engine only appends (or overwrites) window results and reads the most
// recent one back.
type Store interface {
	// AppendWindow persists the result of a closed window. Writing the same
	// WindowID twice overwrites the earlier result.
	AppendWindow(ctx context.Context, result *WindowResult) error

	// ReadCurrentWindow returns the most recently appended window result, or
	// ErrNotFound.
	ReadCurrentWindow(ctx context.Context) (*WindowResult, error)

	Close() error
}
