// Package settings resolves an extension's effective settings from its
// manifest defaults, shipped defaults file, and operator overrides.
package settings

import (
	"path/filepath"
	"sort"

	"github.com/dshills/modhost/internal/config/loader"
	"github.com/dshills/modhost/internal/extension"
	"github.com/dshills/modhost/internal/extension/manifest"
	"github.com/dshills/modhost/internal/logging"
	"github.com/dshills/modhost/internal/validation"
)

// Shipped defaults file names, in lookup order.
var shippedFiles = []string{"settings.yaml", "settings.yml", "settings.toml"}

// UserDir is the directory under the user config root holding override files.
const UserDir = "settings"

// UserSettingsPath returns the override file for the named extension.
func UserSettingsPath(userRoot, name string) string {
	return filepath.Join(userRoot, UserDir, name+".yaml")
}

// Result is the outcome of resolving one extension's settings.
type Result struct {
	// Settings holds every declared key whose value passed validation.
	// Optional keys with no value map to nil.
	Settings map[string]any

	// Seed is the manifest defaults overlaid with the shipped defaults,
	// restricted to declared keys with non-nil values. It is what gets
	// written to a missing user file.
	Seed map[string]any

	// Layers are the raw layers in precedence order.
	Layers []*Layer

	// UserFileExists reports whether the override file was present.
	UserFileExists bool

	// Err is a *extension.SettingsError describing every problem found, or nil.
	Err error
}

// Resolver resolves and persists extension settings.
type Resolver struct {
	files *loader.FileLoader
	log   *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFileLoader sets the loader used to read settings files.
func WithFileLoader(l *loader.FileLoader) Option {
	return func(r *Resolver) {
		r.files = l
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) {
		r.log = l
	}
}

// NewResolver creates a settings resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		files: loader.New(),
		log:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithComponent("settings")
	return r
}

// ShippedPath returns the shipped defaults file inside dir, or "" if there
// is none.
func (r *Resolver) ShippedPath(dir string) string {
	for _, name := range shippedFiles {
		candidate := filepath.Join(dir, name)
		if r.files.Exists(candidate) {
			return candidate
		}
	}
	return ""
}

// Resolve computes the effective settings for the named extension.
// It has no side effects; see PersistIfAbsent for seeding the user file.
//
// Precedence is manifest defaults, then the shipped file, then the user
// file. Keys not declared in the manifest are ignored. Each declared key is
// coerced to its type and checked against its constraints; a required key
// whose value is missing is an error.
func (r *Resolver) Resolve(name string, m *manifest.Manifest, shippedPath, userPath string) Result {
	errs := &validation.Errors{}
	log := r.log.WithField("extension", name)

	defaults := NewLayer(SourceManifest, "", m.Defaults())
	layers := []*Layer{defaults}

	var shipped *Layer
	if shippedPath != "" {
		data, err := r.files.Load(shippedPath)
		if err != nil {
			errs.Add(shippedPath, err.Error())
		} else if data != nil {
			shipped = NewLayer(SourceShipped, shippedPath, data)
			layers = append(layers, shipped)
		}
	}

	res := Result{}
	if userPath != "" {
		res.UserFileExists = r.files.Exists(userPath)
		data, err := r.files.Load(userPath)
		if err != nil {
			errs.Add(userPath, err.Error())
		} else if data != nil {
			layers = append(layers, NewLayer(SourceUser, userPath, data))
		}
	}
	res.Layers = layers

	for _, l := range layers[1:] {
		for _, key := range sortedKeys(l.Data) {
			if _, ok := m.Settings[key]; !ok {
				log.Debug("ignoring undeclared setting %q from %s", key, l.Path)
			}
		}
	}

	res.Seed = declaredNonNil(m, Overlay(defaults, shipped))

	merged := Overlay(layers...)
	res.Settings = make(map[string]any, len(m.Settings))
	for _, key := range m.SettingKeys() {
		spec := m.Settings[key]
		raw := merged[key]
		if raw == nil {
			if spec.Required {
				errs.Add(key, "required setting has no value")
				continue
			}
			res.Settings[key] = nil
			continue
		}

		v, err := Coerce(spec, raw)
		if err != nil {
			source := "manifest"
			if l := Origin(key, layers...); l != nil {
				source = l.Source.String()
			}
			errs.AddWithValue(key, err.Error()+" (from "+source+")", raw)
			continue
		}
		res.Settings[key] = v
	}

	if errs.Len() > 0 {
		res.Err = &extension.SettingsError{Extension: name, Err: errs}
	}
	return res
}

// PersistIfAbsent writes seed to path when no file exists there yet and
// seed is non-empty. It reports whether a file was written.
// An existing file is never rewritten.
func (r *Resolver) PersistIfAbsent(path string, seed map[string]any) (bool, error) {
	if path == "" || len(seed) == 0 || r.files.Exists(path) {
		return false, nil
	}
	if err := r.files.Write(path, seed); err != nil {
		return false, err
	}
	r.log.WithField("path", path).Info("seeded settings file with %d keys", len(seed))
	return true, nil
}

func declaredNonNil(m *manifest.Manifest, values map[string]any) map[string]any {
	out := make(map[string]any)
	for key := range m.Settings {
		if v, ok := values[key]; ok && v != nil {
			out[key] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PersistIfAbsent writes seed to path on the OS file system when no file
// exists there and seed is non-empty.
func PersistIfAbsent(path string, seed map[string]any) (bool, error) {
	return NewResolver(WithLogger(logging.NullLogger)).PersistIfAbsent(path, seed)
}
