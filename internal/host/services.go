package host

import (
	"fmt"
	"sort"
	"sync"
)

// Services is a name -> value service locator shared between extensions.
// Views returned by For share one table and record their owner on
// every registration.
type Services struct {
	table *serviceTable
	owner string
}

type serviceTable struct {
	mu       sync.RWMutex
	services map[string]any
	owners   map[string]string
}

// NewServices creates an empty locator.
func NewServices() *Services {
	return &Services{table: &serviceTable{
		services: make(map[string]any),
		owners:   make(map[string]string),
	}}
}

// For returns a view of s that records owner as the registrant of every
// service it adds.
func (s *Services) For(owner string) *Services {
	return &Services{table: s.table, owner: owner}
}

// Register adds a service. Names are unique.
func (s *Services) Register(name string, svc any) error {
	if name == "" {
		return fmt.Errorf("%w: empty service name", ErrInvalidName)
	}

	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.owners[name]; ok {
		return fmt.Errorf("%w: %s (owned by %q)", ErrServiceExists, name, prev)
	}
	t.services[name] = svc
	t.owners[name] = s.owner
	return nil
}

// Get returns the named service.
func (s *Services) Get(name string) (any, bool) {
	s.table.mu.RLock()
	defer s.table.mu.RUnlock()
	svc, ok := s.table.services[name]
	return svc, ok
}

// Owner returns the extension that registered name.
func (s *Services) Owner(name string) (string, bool) {
	s.table.mu.RLock()
	defer s.table.mu.RUnlock()
	owner, ok := s.table.owners[name]
	return owner, ok
}

// RemoveOwner drops every service registered by owner and returns their
// names, sorted.
func (s *Services) RemoveOwner(owner string) []string {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for name, o := range t.owners {
		if o != owner {
			continue
		}
		delete(t.services, name)
		delete(t.owners, name)
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed
}

// Names returns the registered service names, sorted.
func (s *Services) Names() []string {
	s.table.mu.RLock()
	defer s.table.mu.RUnlock()
	names := make([]string, 0, len(s.table.services))
	for name := range s.table.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
