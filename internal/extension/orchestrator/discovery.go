package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/modhost/internal/extension"
	"github.com/dshills/modhost/internal/extension/manifest"
	"github.com/dshills/modhost/internal/extension/registry"
	"github.com/dshills/modhost/internal/extension/settings"
	"github.com/dshills/modhost/internal/logging"
)

// Discover runs one full discovery pass: scan the built-in root then the
// plugin root, parse manifests, read the enabled list, resolve settings,
// and seed missing user settings files.
//
// Per-extension problems are recorded on descriptors. Only failing to read
// a root directory returns an error; a root that does not exist is empty.
func (o *Orchestrator) Discover(ctx context.Context) (*registry.Registry, error) {
	reg := registry.New(registry.WithLogger(o.log))
	log := o.log.WithField("pass", reg.PassID())

	roots := []struct {
		path    string
		builtIn bool
	}{
		{o.cfg.BuiltinRoot, true},
		{o.cfg.PluginRoot, false},
	}
	for _, root := range roots {
		if err := o.scanRoot(ctx, reg, root.path, root.builtIn); err != nil {
			return nil, err
		}
	}

	enabled, err := ReadEnabledList(o.files, EnabledPath(o.cfg.UserRoot))
	if err != nil {
		log.WithError(err).Error("reading enabled list; no plugins enabled")
		enabled = nil
	}
	reg.SetEnabledList(enabled)

	for _, d := range reg.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.resolveSettings(d, log)
	}

	log.Info("discovered %d extensions (%d built-in)", reg.Len(), len(reg.BuiltIns()))
	return reg, nil
}

func (o *Orchestrator) scanRoot(ctx context.Context, reg *registry.Registry, root string, builtIn bool) error {
	if root == "" {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			o.log.WithField("root", root).Debug("extension root does not exist")
			return nil
		}
		return fmt.Errorf("reading extension root %s: %w", root, err)
	}

	// os.ReadDir returns entries sorted by name.
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		reg.Add(o.inspect(filepath.Join(root, entry.Name()), builtIn))
	}
	return nil
}

// inspect parses one extension directory into a descriptor.
// A built-in may omit its manifest; a plugin may not.
func (o *Orchestrator) inspect(dir string, builtIn bool) *registry.Descriptor {
	dirName := filepath.Base(dir)

	m, err := o.parser.ParseDir(dir, builtIn)
	switch {
	case err == nil:
		return registry.NewDescriptor(m.Name, dir, m, builtIn)
	case builtIn && errors.Is(err, manifest.ErrNotFound):
		o.log.WithField("extension", dirName).Debug("built-in has no manifest")
		return registry.NewDescriptor(dirName, dir, nil, builtIn)
	default:
		name := dirName
		var merr *extension.ManifestError
		if errors.As(err, &merr) && merr.Extension != "" {
			name = merr.Extension
		}
		d := registry.NewDescriptor(name, dir, nil, builtIn)
		d.Fail(err)
		o.log.WithField("extension", name).WithError(err).Error("invalid manifest")
		return d
	}
}

func (o *Orchestrator) resolveSettings(d *registry.Descriptor, log *logging.Logger) {
	if d.Failed() {
		return
	}
	m := d.Manifest()
	if m == nil {
		_ = d.SetSettings(nil)
		return
	}

	userPath := settings.UserSettingsPath(o.cfg.UserRoot, d.Name())
	if o.cfg.UserRoot == "" {
		userPath = ""
	}
	res := o.resolver.Resolve(d.Name(), m, o.resolver.ShippedPath(d.Path()), userPath)

	if !res.UserFileExists {
		if _, err := o.resolver.PersistIfAbsent(userPath, res.Seed); err != nil {
			log.WithField("extension", d.Name()).WithError(err).Warn("could not seed settings file")
		}
	}

	if res.Err != nil {
		d.Fail(res.Err)
		log.WithField("extension", d.Name()).WithError(res.Err).Error("settings rejected")
		return
	}
	if err := d.SetSettings(res.Settings); err != nil {
		d.Fail(err)
	}
}
