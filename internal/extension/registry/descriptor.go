package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/extension/manifest"
)

// Descriptor is the host's record of one discovered extension.
// Errors are append-only; once one is recorded the descriptor is failed
// and stays listed for diagnostics.
type Descriptor struct {
	mu sync.RWMutex

	name     string
	path     string
	manifest *manifest.Manifest
	builtIn  bool
	enabled  bool

	settings map[string]any
	resolved bool

	state  State
	errs   []error
	handle loader.EntryPoint
}

// NewDescriptor creates a descriptor in the discovered state.
// m may be nil when the manifest is missing or failed to parse.
// Built-ins are always enabled.
func NewDescriptor(name, path string, m *manifest.Manifest, builtIn bool) *Descriptor {
	return &Descriptor{
		name:     name,
		path:     path,
		manifest: m,
		builtIn:  builtIn,
		enabled:  builtIn,
		state:    StateDiscovered,
	}
}

// Name returns the resolved extension name.
func (d *Descriptor) Name() string { return d.name }

// Path returns the extension directory.
func (d *Descriptor) Path() string { return d.path }

// Manifest returns the parsed manifest, or nil.
func (d *Descriptor) Manifest() *manifest.Manifest { return d.manifest }

// BuiltIn reports whether the extension ships with the host.
func (d *Descriptor) BuiltIn() bool { return d.builtIn }

// Enabled reports whether the extension takes part in setup.
func (d *Descriptor) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled marks a plugin enabled or disabled. Built-ins ignore it.
func (d *Descriptor) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.builtIn {
		return
	}
	d.enabled = enabled
}

// Version returns the manifest version, or "".
func (d *Descriptor) Version() string {
	if d.manifest == nil {
		return ""
	}
	return d.manifest.Version
}

// Settings returns a copy of the resolved settings. Before resolution it
// returns the manifest defaults, or an empty map without a manifest.
func (d *Descriptor) Settings() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var src map[string]any
	switch {
	case d.resolved:
		src = d.settings
	case d.manifest != nil:
		return d.manifest.Defaults()
	}

	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SettingsResolved reports whether SetSettings succeeded.
func (d *Descriptor) SettingsResolved() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolved
}

// SetSettings stores the resolved settings and advances to
// StateSettingsResolved.
func (d *Descriptor) SetSettings(settings map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.transition(StateSettingsResolved); err != nil {
		return err
	}
	d.settings = make(map[string]any, len(settings))
	for k, v := range settings {
		d.settings[k] = v
	}
	d.resolved = true
	return nil
}

// State returns the current lifecycle state.
func (d *Descriptor) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Advance moves the descriptor to next, which must directly follow the
// current state. Use Fail to record failures.
func (d *Descriptor) Advance(next State) error {
	if next == StateFailed {
		return fmt.Errorf("%w: use Fail to record a failure", ErrInvalidTransition)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transition(next)
}

// Activate stores the entry point and moves to StateActivated.
func (d *Descriptor) Activate(h loader.EntryPoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.transition(StateActivated); err != nil {
		return err
	}
	d.handle = h
	return nil
}

// Fail records err and moves the descriptor to StateFailed. Errors are
// recorded even when the descriptor already failed. An activated
// descriptor is left untouched and Fail returns false.
func (d *Descriptor) Fail(err error) bool {
	if err == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateActivated {
		return false
	}
	d.errs = append(d.errs, err)
	if d.state.CanTransition(StateFailed) {
		d.state = StateFailed
	}
	return true
}

// Failed reports whether the descriptor is in StateFailed.
func (d *Descriptor) Failed() bool {
	return d.State() == StateFailed
}

// Errors returns a copy of the recorded errors.
func (d *Descriptor) Errors() []error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]error, len(d.errs))
	copy(out, d.errs)
	return out
}

// Err joins the recorded errors, or returns nil.
func (d *Descriptor) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return errors.Join(d.errs...)
}

// Handle returns the entry point of an activated extension, or nil.
func (d *Descriptor) Handle() loader.EntryPoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handle
}

// String returns "name (state)".
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.name, d.State())
}

func (d *Descriptor) transition(next State) error {
	if !d.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for %q", ErrInvalidTransition, d.state, next, d.name)
	}
	d.state = next
	return nil
}
