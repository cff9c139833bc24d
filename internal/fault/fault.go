// Package fault defines the error kinds the engine raises. The HTTP
// boundary maps them to transport codes; the engine itself never does.
package fault

import (
	"fmt"

	"slipsync/internal/domain"
)

// ValidationError indicates malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ForbiddenError indicates a creator or role rule was violated.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string { return e.Reason }

// ConflictError indicates a concurrency mismatch or an illegal state
// transition. Current carries the stored case where applicable so the
// client can reconcile without a refetch.
type ConflictError struct {
	Reason  string
	Current *domain.Case
}

func (e ConflictError) Error() string { return e.Reason }

// StoreError wraps an unexpected persistence failure. The engine never
// retries; it surfaces the cause as-is.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e StoreError) Unwrap() error { return e.Err }
