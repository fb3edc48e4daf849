package storage

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// ErrNotFound is returned when a requested artifact does not exist.
// It wraps model.ErrNotFound.
var ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)

// ErrInvalidRef is returned for references whose file ID or key is not a safe
// single path segment, or whose key presence does not match the kind.
var ErrInvalidRef = errors.New("storage: invalid artifact reference")
