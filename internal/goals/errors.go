package goals

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced node is absent or soft-deleted.
	ErrNotFound = errors.New("goal not found")
	// ErrCorruptHierarchy is returned when a traversal meets a cycle, an orphaned
	// parent reference or a cross-root edge.
	ErrCorruptHierarchy = errors.New("corrupt goal hierarchy")
	// ErrValidation is returned for malformed goal data such as a target without a metric.
	ErrValidation = errors.New("goal validation failed")
)

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptHierarchy, fmt.Sprintf(format, args...))
}
