package registry

import "errors"

// ErrInvalidTransition is returned when a descriptor is moved to a state
// that does not directly follow its current one.
var ErrInvalidTransition = errors.New("invalid state transition")

// State represents the lifecycle state of a descriptor.
type State int

// Descriptor states, in lifecycle order.
const (
	// StateDiscovered - Directory scanned and manifest parsed (or absent).
	StateDiscovered State = iota

	// StateSettingsResolved - Effective settings computed and validated.
	StateSettingsResolved

	// StateDependencyOK - Host version and dependencies satisfied.
	StateDependencyOK

	// StateActivated - Setup completed successfully.
	StateActivated

	// StateFailed - A stage failed; see the descriptor's errors.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateSettingsResolved:
		return "settings_resolved"
	case StateDependencyOK:
		return "dependency_ok"
	case StateActivated:
		return "activated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for activated and failed.
func (s State) IsTerminal() bool {
	return s == StateActivated || s == StateFailed
}

// CanTransition reports whether a descriptor in state s may move to next.
// States advance one step at a time; any non-terminal state may fail.
func (s State) CanTransition(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return next == s+1
}
