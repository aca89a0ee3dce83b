// Package depcheck verifies an extension's host version floor and that
// its declared dependencies are already active.
package depcheck

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/modhost/internal/extension"
	"github.com/dshills/modhost/internal/extension/registry"
)

// Checker checks dependencies against a fixed host version.
type Checker struct {
	host *semver.Version
}

// New creates a Checker for hostVersion, which must be a strict
// MAJOR.MINOR.PATCH semantic version.
func New(hostVersion string) (*Checker, error) {
	v, err := semver.StrictNewVersion(hostVersion)
	if err != nil {
		return nil, fmt.Errorf("host version %q: %w", hostVersion, err)
	}
	return &Checker{host: v}, nil
}

// HostVersion returns the host version.
func (c *Checker) HostVersion() string {
	return c.host.String()
}

// Check returns a *extension.DependencyError when d requires a newer host
// or names a dependency that is not present, not enabled, or not yet
// activated. It has no side effects.
func (c *Checker) Check(d *registry.Descriptor, reg *registry.Registry) error {
	m := d.Manifest()
	if m == nil {
		return nil
	}

	if floor := m.Metadata.MinHostVersion; floor != "" {
		required, err := semver.StrictNewVersion(floor)
		if err != nil {
			return &extension.DependencyError{
				Extension: d.Name(),
				Reason:    fmt.Sprintf("invalid min_host_version %q: %v", floor, err),
			}
		}
		if c.host.LessThan(required) {
			return &extension.DependencyError{
				Extension: d.Name(),
				Reason:    fmt.Sprintf("requires host version >= %s, running %s", required, c.host),
			}
		}
	}

	for _, name := range m.Dependencies.Modules {
		dep, ok := reg.Get(name)
		var reason string
		switch {
		case !ok:
			reason = "is not installed"
		case !dep.BuiltIn() && !dep.Enabled():
			reason = "is not enabled"
		case dep.State() == registry.StateFailed:
			reason = "failed to activate"
		case dep.State() != registry.StateActivated:
			reason = "is not activated yet"
		default:
			continue
		}
		return &extension.DependencyError{Extension: d.Name(), Dependency: name, Reason: reason}
	}
	return nil
}
