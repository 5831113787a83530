package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the cases spec.md §7 calls out by name. Components
// wrap these with fmt.Errorf("...: %w", ...) the way the teacher's
// internal/utils/errors.go sentinels are wrapped at call sites.
var (
	ErrEmptyInventory  = errors.New("sot returned empty inventory")
	ErrPartialDetails  = errors.New("sot returned fewer product details than requested")
	ErrStateCorrupt    = errors.New("state file failed schema validation")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrAuthFailed      = errors.New("sot authentication failed")
	ErrCacheMiss       = errors.New("cache miss")
)

// DependencyError attributes a failure to the offending external
// collaborator (SoT vs marketplace), so the Scheduler and the /metrics
// rollup can switch on Dependency directly instead of string-matching
// error text (spec.md §7's propagation policy).
type DependencyError struct {
	Dependency Dependency
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NewDependencyError wraps err with the dependency it originated from.
func NewDependencyError(dep Dependency, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Dependency: dep, Err: err}
}
