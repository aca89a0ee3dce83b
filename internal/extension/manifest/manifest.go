// Package manifest describes extension manifests: the schema, a separate
// validation pass, and a parser for the two supported file formats.
//
// A manifest lives in the extension's directory as manifest.yaml (primary)
// or manifest.toml (secondary):
//
//	name: alerts
//	display_name: Alerts
//	version: 1.2.0
//	dependencies:
//	  modules: [core_permissions]
//	settings:
//	  threshold:
//	    type: int
//	    label: Threshold
//	    default: 5
//	    min: 1
//	    max: 10
//	permissions:
//	  - name: alerts.manage
//	    description: Manage alert rules
//	background_tasks:
//	  sweep:
//	    entry: sweep
//	    schedule: "@every 5m"
//	metadata:
//	  min_host_version: 1.0.0
//	  public_access: true
package manifest

import (
	"fmt"
	"sort"
)

// SettingType is the declared type of a setting.
type SettingType string

// Setting types.
const (
	TypeString      SettingType = "string"
	TypeInt         SettingType = "int"
	TypeFloat       SettingType = "float"
	TypeBool        SettingType = "bool"
	TypeChoice      SettingType = "choice"
	TypeMultiChoice SettingType = "multichoice"
	TypeText        SettingType = "text"
)

// Valid reports whether t is a known setting type.
func (t SettingType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeChoice, TypeMultiChoice, TypeText:
		return true
	}
	return false
}

// IsNumeric reports whether t accepts min/max bounds.
func (t SettingType) IsNumeric() bool {
	return t == TypeInt || t == TypeFloat
}

// IsChoice reports whether t requires options.
func (t SettingType) IsChoice() bool {
	return t == TypeChoice || t == TypeMultiChoice
}

// Manifest is the declarative description of one extension.
// A Manifest returned by the parser is never modified afterwards.
type Manifest struct {
	Name        string `yaml:"name" toml:"name"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
	Version     string `yaml:"version" toml:"version"`
	Description string `yaml:"description" toml:"description"`
	Author      string `yaml:"author" toml:"author"`

	Dependencies    Dependencies           `yaml:"dependencies" toml:"dependencies"`
	Settings        map[string]SettingSpec `yaml:"settings" toml:"settings"`
	Permissions     []Permission           `yaml:"permissions" toml:"permissions"`
	BackgroundTasks map[string]TaskSpec    `yaml:"background_tasks" toml:"background_tasks"`
	Metadata        Metadata               `yaml:"metadata" toml:"metadata"`
}

// Dependencies lists what must be active before this extension activates.
type Dependencies struct {
	// Modules are names of other extensions.
	Modules []string `yaml:"modules" toml:"modules"`
}

// SettingSpec declares one operator-facing setting.
type SettingSpec struct {
	Type        SettingType `yaml:"type" toml:"type"`
	Label       string      `yaml:"label" toml:"label"`
	Description string      `yaml:"description" toml:"description"`
	Default     any         `yaml:"default" toml:"default"`
	Required    bool        `yaml:"required" toml:"required"`
	Options     []string    `yaml:"options" toml:"options"`
	Min         *float64    `yaml:"min" toml:"min"`
	Max         *float64    `yaml:"max" toml:"max"`
	Regex       string      `yaml:"regex" toml:"regex"`
}

// HasDefault reports whether the setting declares a non-null default.
func (s SettingSpec) HasDefault() bool {
	return s.Default != nil
}

// Permission is a permission an extension contributes to the host catalog.
type Permission struct {
	Name        string `yaml:"name" toml:"name"`
	Description string `yaml:"description" toml:"description"`
}

// TaskSpec declares a background task run on a schedule after activation.
type TaskSpec struct {
	// Entry is the function name the entry point exposes for this task.
	Entry string `yaml:"entry" toml:"entry"`
	// Schedule is a cron expression ("*/5 * * * *") or descriptor ("@every 1m").
	Schedule    string `yaml:"schedule" toml:"schedule"`
	Description string `yaml:"description" toml:"description"`
}

// Metadata holds descriptive and compatibility information.
type Metadata struct {
	Homepage       string   `yaml:"homepage" toml:"homepage"`
	License        string   `yaml:"license" toml:"license"`
	Tags           []string `yaml:"tags" toml:"tags"`
	MinHostVersion string   `yaml:"min_host_version" toml:"min_host_version"`
	// PublicAccess grants the declared permissions to the base role.
	PublicAccess bool `yaml:"public_access" toml:"public_access"`
}

// SettingKeys returns declared setting names in sorted order.
func (m *Manifest) SettingKeys() []string {
	keys := make([]string, 0, len(m.Settings))
	for k := range m.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TaskNames returns declared background task names in sorted order.
func (m *Manifest) TaskNames() []string {
	names := make([]string, 0, len(m.BackgroundTasks))
	for k := range m.BackgroundTasks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Defaults returns every declared setting mapped to its declared default.
// Settings without a default map to nil.
func (m *Manifest) Defaults() map[string]any {
	defaults := make(map[string]any, len(m.Settings))
	for key, spec := range m.Settings {
		defaults[key] = spec.Default
	}
	return defaults
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	display := m.DisplayName
	if display == "" {
		display = m.Name
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}

// Clone creates a deep copy of the manifest.
// Setting defaults are shared; they are scalar or treated as read-only.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	clone.Dependencies.Modules = cloneStrings(m.Dependencies.Modules)
	clone.Metadata.Tags = cloneStrings(m.Metadata.Tags)

	if m.Permissions != nil {
		clone.Permissions = make([]Permission, len(m.Permissions))
		copy(clone.Permissions, m.Permissions)
	}

	if m.Settings != nil {
		clone.Settings = make(map[string]SettingSpec, len(m.Settings))
		for k, v := range m.Settings {
			v.Options = cloneStrings(v.Options)
			clone.Settings[k] = v
		}
	}

	if m.BackgroundTasks != nil {
		clone.BackgroundTasks = make(map[string]TaskSpec, len(m.BackgroundTasks))
		for k, v := range m.BackgroundTasks {
			clone.BackgroundTasks[k] = v
		}
	}

	return &clone
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
