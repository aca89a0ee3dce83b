// Package builtin holds the extensions compiled into the host. Their
// manifests ship under the built-in root like any other extension; their
// entry points are registered with a static loader.
package builtin

import (
	"errors"

	"github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/extension/registry"
)

// Built-in extension names.
const (
	PermissionsName = "core_permissions"
	HelpName        = "core_help"
)

// RegistryFunc returns the registry of the current discovery pass.
type RegistryFunc func() *registry.Registry

// Register adds every built-in entry point to static.
func Register(static *loader.StaticLoader, current RegistryFunc) error {
	if current == nil {
		return errors.New("builtin: registry source is nil")
	}

	ctors := map[string]loader.Constructor{
		PermissionsName: func(req loader.Request) (loader.EntryPoint, error) {
			return newPermissions(req, current)
		},
		HelpName: func(req loader.Request) (loader.EntryPoint, error) {
			return newHelp(req), nil
		},
	}
	for _, name := range []string{PermissionsName, HelpName} {
		if err := static.Register(name, ctors[name]); err != nil {
			return err
		}
	}
	return nil
}

func stringSetting(settings map[string]any, key, fallback string) string {
	if s, ok := settings[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
