// Package status tracks the lifecycle state of every uploaded file.
//
// Three backends implement Tracker: an in-process sharded map (the default),
// SQLite for single-node persistence, and PostgreSQL for deployments that
// share status across several API processes.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// ErrNotFound is returned for file IDs that were never registered.
var ErrNotFound = fmt.Errorf("status: %w", model.ErrNotFound)

// ErrInvalidTransition is returned when a Set would violate the lifecycle.
// The returned error also wraps a *model.TransitionError with the details.
var ErrInvalidTransition = errors.New("status: invalid transition")

// Entry is the tracked state of one file.
type Entry struct {
	FileID    string          `json:"file_id"`
	State     model.FileState `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tracker records file lifecycle states. Implementations are safe for
// concurrent use and enforce model.CanTransition atomically per file.
type Tracker interface {
	// Set moves fileID to state. Registering an unknown file requires
	// StatePending.
	Set(ctx context.Context, fileID string, state model.FileState) error
	// Get returns the current state or an error wrapping ErrNotFound.
	Get(ctx context.Context, fileID string) (model.FileState, error)
	// Entry returns the state together with its last update time.
	Entry(ctx context.Context, fileID string) (Entry, error)
	// Close releases backend resources.
	Close() error
}

func transitionErr(fileID string, from, to model.FileState) error {
	return fmt.Errorf("%w: %w", ErrInvalidTransition, &model.TransitionError{FileID: fileID, From: from, To: to})
}

func checkArgs(fileID string, state model.FileState) error {
	if fileID == "" {
		return &model.ValidationError{Field: "file_id", Message: "must not be empty"}
	}
	if !state.Valid() {
		return &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown state %q", state)}
	}
	return nil
}
