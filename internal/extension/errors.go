package extension

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks against the typed errors below.
var (
	// ErrManifest marks missing, malformed, or schema-invalid manifests.
	ErrManifest = errors.New("manifest error")

	// ErrSettings marks settings that failed coercion or validation.
	ErrSettings = errors.New("settings validation error")

	// ErrDependency marks unmet host-version floors and unready dependencies.
	ErrDependency = errors.New("dependency error")

	// ErrActivation marks failures while loading or invoking an entry point.
	ErrActivation = errors.New("activation error")
)

// ManifestError reports a manifest that could not be found, decoded, or
// validated. Fatal to one descriptor, never to the scan.
type ManifestError struct {
	Extension string
	Path      string
	Err       error
}

func (e *ManifestError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("extension %q: invalid manifest %s: %v", e.Extension, e.Path, e.Err)
	}
	return fmt.Sprintf("extension %q: invalid manifest: %v", e.Extension, e.Err)
}

func (e *ManifestError) Unwrap() []error { return []error{ErrManifest, e.Err} }

// SettingsError aggregates every per-key settings failure of one extension.
type SettingsError struct {
	Extension string
	Err       error
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("extension %q: settings: %v", e.Extension, e.Err)
}

func (e *SettingsError) Unwrap() []error { return []error{ErrSettings, e.Err} }

// DependencyError reports an unmet host-version floor or a dependency that
// is missing, disabled, or not yet activated.
type DependencyError struct {
	Extension  string
	Dependency string // empty for host-version failures
	Reason     string
}

func (e *DependencyError) Error() string {
	if e.Dependency == "" {
		return fmt.Sprintf("extension %q: %s", e.Extension, e.Reason)
	}
	return fmt.Sprintf("extension %q: dependency %q %s", e.Extension, e.Dependency, e.Reason)
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// Activation stages.
const (
	StageLoad  = "load"
	StageSetup = "setup"
)

// ActivationError wraps anything raised while loading an entry point or
// running its setup function, including recovered panics.
type ActivationError struct {
	Extension string
	Stage     string
	Err       error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("extension %q: %s failed: %v", e.Extension, e.Stage, e.Err)
}

func (e *ActivationError) Unwrap() []error { return []error{ErrActivation, e.Err} }
