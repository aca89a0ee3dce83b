package builtin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dshills/modhost/internal/extension/loader"
	"github.com/dshills/modhost/internal/extension/manifest"
	"github.com/dshills/modhost/internal/extension/registry"
	"github.com/dshills/modhost/internal/host"
	"github.com/dshills/modhost/internal/logging"
	"github.com/dshills/modhost/internal/scheduler"
)

// Names used by core_permissions.
const (
	PermissionsService = "permissions"
	PermissionsRoute   = "/permissions"
	AuditTask          = "audit"
)

// Catalog is the permission catalog published as the "permissions"
// service: every permission declared by a built-in or enabled plugin.
type Catalog struct {
	permissions   []manifest.Permission
	defaultAccess []string
}

// NewCatalog builds a catalog from reg.
func NewCatalog(reg *registry.Registry) *Catalog {
	return &Catalog{
		permissions:   reg.DeclaredPermissions(),
		defaultAccess: reg.DefaultAccessPermissions(),
	}
}

// Permissions returns the declared permissions in discovery order.
func (c *Catalog) Permissions() []manifest.Permission {
	return slices.Clone(c.permissions)
}

// Names returns the declared permission names in discovery order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.permissions))
	for i, p := range c.permissions {
		names[i] = p.Name
	}
	return names
}

// Lookup returns the named permission.
func (c *Catalog) Lookup(name string) (manifest.Permission, bool) {
	for _, p := range c.permissions {
		if p.Name == name {
			return p, true
		}
	}
	return manifest.Permission{}, false
}

// DefaultAccess returns the permissions granted to the base role.
func (c *Catalog) DefaultAccess() []string {
	return slices.Clone(c.defaultAccess)
}

// IsDefault reports whether name is granted to the base role.
func (c *Catalog) IsDefault(name string) bool {
	return slices.Contains(c.defaultAccess, name)
}

// Len returns the number of declared permissions.
func (c *Catalog) Len() int {
	return len(c.permissions)
}

// Format renders the catalog for a chat reply.
func (c *Catalog) Format() string {
	if len(c.permissions) == 0 {
		return "No permissions declared."
	}
	var b strings.Builder
	b.WriteString("Permissions:")
	for _, p := range c.permissions {
		b.WriteString("\n")
		b.WriteString(formatPermission(p, c.IsDefault(p.Name)))
	}
	return b.String()
}

func formatPermission(p manifest.Permission, public bool) string {
	line := p.Name
	if p.Description != "" {
		line += " - " + p.Description
	}
	if public {
		line += " (default)"
	}
	return line
}

type permissions struct {
	current RegistryFunc
	log     *logging.Logger

	mu      sync.Mutex
	catalog *Catalog
}

func newPermissions(req loader.Request, current RegistryFunc) (*permissions, error) {
	if current() == nil {
		return nil, errors.New("no registry available")
	}
	return &permissions{
		current: current,
		log:     logging.GetLogger().WithField("extension", req.Name),
	}, nil
}

func (p *permissions) Setup(ctx context.Context, h host.Handles) error {
	if h.Services == nil || h.Dispatcher == nil || h.Bot == nil {
		return errors.New("missing host handles")
	}

	catalog := NewCatalog(p.current())
	p.mu.Lock()
	p.catalog = catalog
	p.mu.Unlock()

	if err := h.Services.Register(PermissionsService, catalog); err != nil {
		return err
	}
	return h.Dispatcher.Handle(PermissionsRoute, func(ctx context.Context, msg host.Message) error {
		if len(msg.Args) == 0 {
			return h.Bot.Send(ctx, msg.Chat, catalog.Format())
		}
		perm, ok := catalog.Lookup(msg.Args[0])
		if !ok {
			return h.Bot.Send(ctx, msg.Chat, fmt.Sprintf("Unknown permission %q.", msg.Args[0]))
		}
		return h.Bot.Send(ctx, msg.Chat, formatPermission(perm, catalog.IsDefault(perm.Name)))
	})
}

// Task provides the audit task, which logs the catalog size.
func (p *permissions) Task(name string) (scheduler.TaskFunc, bool) {
	if name != AuditTask {
		return nil, false
	}
	return func(ctx context.Context) error {
		p.mu.Lock()
		catalog := p.catalog
		p.mu.Unlock()
		if catalog == nil {
			return errors.New("catalog not built")
		}
		p.log.Info("%d permissions declared, %d granted by default", catalog.Len(), len(catalog.DefaultAccess()))
		return nil
	}, true
}

var _ loader.TaskProvider = (*permissions)(nil)
