// Package backend defines the contract shared by the controller adapters:
// the toggle capability, the state model and the error taxonomy.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthFailed means the controller rejected our credentials after a
	// fresh authentication.
	ErrAuthFailed = errors.New("backend authentication failed")
	// ErrUnreachable means the controller could not be reached, or kept
	// failing transiently after bounded retries.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrTimeout is the unreachable case where the per-call deadline passed.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrUnreachable)
	// ErrInconsistent means the controller answered but the answer did not
	// describe a usable state.
	ErrInconsistent = errors.New("backend state inconsistent")
	// ErrNotFound means the controller does not know the backend id.
	ErrNotFound = errors.New("backend object not found")
)

// State is the observed state of one backend object.
type State string

const (
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StatePartial  State = "partial"
	StateUnknown  State = "unknown"
)

// FromBool maps an enabled flag to a State.
func FromBool(enabled bool) State {
	if enabled {
		return StateEnabled
	}
	return StateDisabled
}

// Toggler is the capability every adapter exposes per target kind.
// Enable and Disable are idempotent.
type Toggler interface {
	Status(ctx context.Context, id string) (State, error)
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id string) error
}

// PartialError reports an operation that succeeded on some controllers of a
// multi-controller backend and failed on others.
type PartialError struct {
	Succeeded []string
	Failed    map[string]error
}

func (e *PartialError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for host, err := range e.Failed {
		parts = append(parts, host+": "+err.Error())
	}
	return fmt.Sprintf("partial success (%d ok, %d failed): %s",
		len(e.Succeeded), len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes the per-controller errors to errors.Is.
func (e *PartialError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// IsPartial reports whether err is a PartialError.
func IsPartial(err error) bool {
	var pe *PartialError
	return errors.As(err, &pe)
}
