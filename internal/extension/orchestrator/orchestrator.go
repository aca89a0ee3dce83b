// Package orchestrator discovers extensions and activates them in two
// strictly sequential phases: built-ins first, then enabled plugins.
//
// A failure is recorded on the failing descriptor and never stops the
// pass; nothing raised by an extension escapes Setup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dshills/modhost/internal/config/loader"
	"github.com/dshills/modhost/internal/extension"
	"github.com/dshills/modhost/internal/extension/depcheck"
	extloader "github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/extension/manifest"
	"github.com/dshills/modhost/internal/extension/registry"
	"github.com/dshills/modhost/internal/extension/settings"
	"github.com/dshills/modhost/internal/host"
	"github.com/dshills/modhost/internal/logging"
)

// Config holds the roots and host version for a pass.
type Config struct {
	BuiltinRoot string
	PluginRoot  string
	UserRoot    string
	HostVersion string
}

// Orchestrator runs discovery and setup passes.
type Orchestrator struct {
	cfg Config

	files    *loader.FileLoader
	parser   *manifest.Parser
	resolver *settings.Resolver
	checker  *depcheck.Checker

	builtins extloader.Loader
	plugins  extloader.Loader

	log *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBuiltinLoader sets the loader for the built-in namespace.
func WithBuiltinLoader(l extloader.Loader) Option {
	return func(o *Orchestrator) {
		o.builtins = l
	}
}

// WithPluginLoader sets the loader for the plugin namespace.
func WithPluginLoader(l extloader.Loader) Option {
	return func(o *Orchestrator) {
		o.plugins = l
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// New creates an orchestrator. Both loaders must be provided.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:   cfg,
		files: loader.New(),
		log:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithComponent("orchestrator")

	if o.builtins == nil || o.plugins == nil {
		return nil, errors.New("orchestrator: built-in and plugin loaders are required")
	}

	checker, err := depcheck.New(cfg.HostVersion)
	if err != nil {
		return nil, err
	}
	o.checker = checker
	o.parser = manifest.NewParser(manifest.WithFileLoader(o.files), manifest.WithLogger(o.log))
	o.resolver = settings.NewResolver(settings.WithFileLoader(o.files), settings.WithLogger(o.log))
	return o, nil
}

// Report summarizes one setup pass.
type Report struct {
	PassID    string
	Activated []string
	Failed    []string
	Skipped   []string
}

// Setup activates built-ins, then enabled plugins in persisted order.
// Each candidate is dependency checked, loaded, and set up before the
// next one starts. Failures are recorded on descriptors, never returned.
func (o *Orchestrator) Setup(ctx context.Context, reg *registry.Registry, handles host.Handles) Report {
	report := Report{PassID: reg.PassID()}
	log := o.log.WithField("pass", reg.PassID())

	for _, d := range reg.BuiltIns() {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, d.Name())
			continue
		}
		o.activate(ctx, d, reg, handles, o.builtins, &report)
	}

	seen := make(map[string]bool)
	for _, name := range reg.EnabledList() {
		if seen[name] {
			log.Warn("extension %q listed more than once in the enabled list; skipping", name)
			continue
		}
		seen[name] = true

		d, ok := reg.Get(name)
		switch {
		case !ok:
			log.Error("enabled extension %q is not installed", name)
			report.Skipped = append(report.Skipped, name)
			continue
		case d.BuiltIn():
			log.Error("enabled list names built-in %q; built-ins are always active", name)
			report.Skipped = append(report.Skipped, name)
			continue
		case ctx.Err() != nil:
			report.Skipped = append(report.Skipped, name)
			continue
		}
		o.activate(ctx, d, reg, handles, o.plugins, &report)
	}

	log.Info("setup complete: %d activated, %d failed, %d skipped",
		len(report.Activated), len(report.Failed), len(report.Skipped))
	return report
}

func (o *Orchestrator) activate(ctx context.Context, d *registry.Descriptor, reg *registry.Registry, handles host.Handles, ldr extloader.Loader, report *Report) {
	log := o.log.WithField("extension", d.Name())

	fail := func(err error) {
		d.Fail(err)
		report.Failed = append(report.Failed, d.Name())
		log.WithError(err).Error("extension failed")
	}

	if d.Failed() {
		report.Failed = append(report.Failed, d.Name())
		log.Debug("skipping failed extension")
		return
	}
	if d.State() != registry.StateSettingsResolved {
		fail(&extension.ActivationError{
			Extension: d.Name(),
			Stage:     extension.StageLoad,
			Err:       fmt.Errorf("unexpected state %s", d.State()),
		})
		return
	}

	if err := o.checker.Check(d, reg); err != nil {
		fail(err)
		return
	}
	if err := d.Advance(registry.StateDependencyOK); err != nil {
		fail(err)
		return
	}

	req := extloader.Request{
		Name:     d.Name(),
		Path:     d.Path(),
		BuiltIn:  d.BuiltIn(),
		Manifest: d.Manifest(),
		Settings: d.Settings(),
	}
	ep, err := safeLoad(ctx, ldr, req)
	if err != nil {
		fail(&extension.ActivationError{Extension: d.Name(), Stage: extension.StageLoad, Err: err})
		return
	}

	if err := safeSetup(ctx, ep, scoped(handles, d.Name())); err != nil {
		o.release(handles, d.Name(), ep)
		fail(&extension.ActivationError{Extension: d.Name(), Stage: extension.StageSetup, Err: err})
		return
	}

	if err := d.Activate(ep); err != nil {
		o.release(handles, d.Name(), ep)
		fail(err)
		return
	}
	report.Activated = append(report.Activated, d.Name())
	log.Info("extension activated")
}

// scoped gives the extension handles that record it as the owner of the
// routes and services it registers.
func scoped(h host.Handles, name string) host.Handles {
	if owned, ok := h.Dispatcher.(interface{ For(string) host.Dispatcher }); ok {
		h.Dispatcher = owned.For(name)
	}
	if h.Services != nil {
		h.Services = h.Services.For(name)
	}
	return h
}

// release undoes a failed setup: routes and services registered under
// name are dropped and the entry point is closed.
func (o *Orchestrator) release(h host.Handles, name string, ep extloader.EntryPoint) {
	log := o.log.WithField("extension", name)
	if owned, ok := h.Dispatcher.(interface{ RemoveOwner(string) []string }); ok {
		if routes := owned.RemoveOwner(name); len(routes) > 0 {
			log.Debug("dropped routes %v", routes)
		}
	}
	if h.Services != nil {
		if names := h.Services.RemoveOwner(name); len(names) > 0 {
			log.Debug("dropped services %v", names)
		}
	}
	if c, ok := ep.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("closing entry point")
		}
	}
}

func safeLoad(ctx context.Context, ldr extloader.Loader, req extloader.Request) (ep extloader.EntryPoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			ep, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return ldr.Load(ctx, req)
}

func safeSetup(ctx context.Context, ep extloader.EntryPoint, h host.Handles) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ep.Setup(ctx, h)
}
