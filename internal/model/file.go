// Package model defines the domain types shared by the analysis pipeline,
// the artifact store, and the HTTP API.
package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is the root of every "identity or artifact absent" error.
// Package-level sentinels (storage.ErrNotFound, status.ErrNotFound) wrap it so
// callers at the API boundary can match with a single errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports a rejected request before any state was mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// FileState is the lifecycle state of an uploaded binary.
type FileState string

const (
	StatePending FileState = "PENDING"
	StateRunning FileState = "RUNNING"
	StateSuccess FileState = "SUCCESS"
	StateFailed  FileState = "FAILED"
)

// Valid reports whether s is one of the four lifecycle states.
func (s FileState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSuccess, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s FileState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// CanTransition reports whether a file may move from -> to.
// An empty from means the file is not yet registered.
//
// The lifecycle is PENDING -> RUNNING -> {SUCCESS | FAILED}, with the shortcut
// PENDING -> FAILED for jobs that die before work begins. Setting the current
// state again is allowed (idempotent).
func CanTransition(from, to FileState) bool {
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case "":
		return to == StatePending
	case StatePending:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateSuccess || to == StateFailed
	}
	return false
}

// TransitionError describes a rejected lifecycle change.
type TransitionError struct {
	FileID string
	From   FileState
	To     FileState
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "<none>"
	}
	return fmt.Sprintf("file %s: illegal transition %s -> %s", e.FileID, from, e.To)
}

// NewFileID mints a fresh file identity.
func NewFileID() string {
	return uuid.NewString()
}
