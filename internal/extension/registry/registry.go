// Package registry holds the descriptors produced by one discovery pass.
package registry

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/modhost/internal/extension/manifest"
	"github.com/dshills/modhost/internal/logging"
)

// Registry maps extension names to descriptors, keeping discovery order.
//
// Mutation happens on the orchestrating goroutine during a pass; the read
// methods are safe for concurrent use afterwards.
type Registry struct {
	mu sync.RWMutex

	passID  string
	byName  map[string]*Descriptor
	order   []string
	enabled []string

	log *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithPassID overrides the generated pass identifier.
func WithPassID(id string) Option {
	return func(r *Registry) {
		r.passID = id
	}
}

// New creates an empty registry with a fresh pass identifier.
func New(opts ...Option) *Registry {
	r := &Registry{
		passID: uuid.NewString(),
		byName: make(map[string]*Descriptor),
		log:    logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithComponent("registry")
	return r
}

// PassID returns the identifier of the discovery pass that built r.
func (r *Registry) PassID() string {
	return r.passID
}

// Add inserts d. When a descriptor with the same name exists it is
// dropped, d takes its name at the end of the discovery order, and the
// dropped descriptor is returned.
func (r *Registry) Add(d *Descriptor) (replaced *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if prev, ok := r.byName[name]; ok {
		replaced = prev
		r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
		r.log.WithFields(map[string]any{
			"extension": name,
			"dropped":   prev.Path(),
			"kept":      d.Path(),
		}).Warn("duplicate extension name %q; last discovered wins", name)
	}

	if slices.Contains(r.enabled, name) {
		d.SetEnabled(true)
	}
	r.byName[name] = d
	r.order = append(r.order, name)
	return replaced
}

// SetEnabledList records the persisted enabled list and marks every
// listed plugin enabled. Duplicates are kept; the orchestrator skips them.
func (r *Registry) SetEnabledList(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enabled = slices.Clone(names)
	for _, d := range r.byName {
		d.SetEnabled(slices.Contains(names, d.Name()))
	}
}

// EnabledList returns the enabled list in persisted order.
func (r *Registry) EnabledList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.enabled)
}

// Get returns the named descriptor.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Len returns the number of descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All returns every descriptor in discovery order.
func (r *Registry) All() []*Descriptor {
	return r.filter(func(*Descriptor) bool { return true })
}

// BuiltIns returns the built-in descriptors in discovery order.
func (r *Registry) BuiltIns() []*Descriptor {
	return r.filter(func(d *Descriptor) bool { return d.BuiltIn() })
}

// Plugins returns the plugin descriptors in discovery order.
func (r *Registry) Plugins() []*Descriptor {
	return r.filter(func(d *Descriptor) bool { return !d.BuiltIn() })
}

// Activated returns activated descriptors of the requested kinds.
func (r *Registry) Activated(includeBuiltIn, includePlugins bool) []*Descriptor {
	return r.filter(func(d *Descriptor) bool {
		if d.State() != StateActivated {
			return false
		}
		if d.BuiltIn() {
			return includeBuiltIn
		}
		return includePlugins
	})
}

// Failed returns the failed descriptors.
func (r *Registry) Failed() []*Descriptor {
	return r.filter(func(d *Descriptor) bool { return d.State() == StateFailed })
}

// Settings returns the named extension's settings: resolved values if
// resolution ran, else manifest defaults, else an empty map.
func (r *Registry) Settings(name string) map[string]any {
	d, ok := r.Get(name)
	if !ok {
		return map[string]any{}
	}
	return d.Settings()
}

// DeclaredPermissions returns the union of permissions declared by
// built-ins and enabled plugins with a parsed manifest, in discovery
// order. The first declaration of a name wins.
func (r *Registry) DeclaredPermissions() []manifest.Permission {
	seen := make(map[string]string)
	var out []manifest.Permission
	for _, d := range r.permissionSources() {
		for _, p := range d.Manifest().Permissions {
			if owner, dup := seen[p.Name]; dup {
				r.log.WithFields(map[string]any{"permission": p.Name, "owner": owner, "extension": d.Name()}).
					Warn("permission %q already declared by %q", p.Name, owner)
				continue
			}
			seen[p.Name] = d.Name()
			out = append(out, p)
		}
	}
	return out
}

// DefaultAccessPermissions returns the permission names declared by
// extensions whose manifest sets metadata.public_access.
func (r *Registry) DefaultAccessPermissions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.permissionSources() {
		if !d.Manifest().Metadata.PublicAccess {
			continue
		}
		for _, p := range d.Manifest().Permissions {
			if !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p.Name)
			}
		}
	}
	return out
}

func (r *Registry) permissionSources() []*Descriptor {
	return r.filter(func(d *Descriptor) bool {
		return d.Manifest() != nil && (d.BuiltIn() || d.Enabled())
	})
}

// Diagnostic is one row of operator-facing registry state.
type Diagnostic struct {
	Name    string
	Version string
	Path    string
	State   State
	BuiltIn bool
	Enabled bool
	Error   string
}

// Diagnostics returns a row per descriptor in discovery order.
func (r *Registry) Diagnostics() []Diagnostic {
	all := r.All()
	out := make([]Diagnostic, 0, len(all))
	for _, d := range all {
		diag := Diagnostic{
			Name:    d.Name(),
			Version: d.Version(),
			Path:    d.Path(),
			State:   d.State(),
			BuiltIn: d.BuiltIn(),
			Enabled: d.Enabled(),
		}
		if err := d.Err(); err != nil {
			diag.Error = err.Error()
		}
		out = append(out, diag)
	}
	return out
}

func (r *Registry) filter(keep func(*Descriptor) bool) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, name := range r.order {
		if d := r.byName[name]; keep(d) {
			out = append(out, d)
		}
	}
	return out
}
