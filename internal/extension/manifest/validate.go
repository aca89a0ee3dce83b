package manifest

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"

	"github.com/dshills/modhost/internal/validation"
)

var (
	// namePattern validates extension names.
	namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$`)

	// keyPattern validates setting and task keys.
	keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

	// permissionPattern validates dotted permission names.
	permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
)

// ValidName reports whether name is a valid extension name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Validate checks every field-level and cross-field rule of m and returns
// all violations at once as a *validation.Errors, or nil.
func Validate(m *Manifest) error {
	errs := &validation.Errors{}

	validateIdentity(m, errs)
	validateDependencies(m, errs)
	validateSettings(m, errs)
	validatePermissions(m, errs)
	validateTasks(m, errs)
	validateMetadata(m, errs)

	return errs.AsError()
}

func validateIdentity(m *Manifest, errs *validation.Errors) {
	switch {
	case m.Name == "":
		errs.Add("name", "is required")
	case !ValidName(m.Name):
		errs.AddWithValue("name", "must match "+namePattern.String(), m.Name)
	}

	if m.Version == "" {
		errs.Add("version", "is required")
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		errs.AddWithValue("version", "must be a semantic version (MAJOR.MINOR.PATCH): "+err.Error(), m.Version)
	}
}

func validateDependencies(m *Manifest, errs *validation.Errors) {
	seen := make(map[string]bool, len(m.Dependencies.Modules))
	for _, dep := range m.Dependencies.Modules {
		path := "dependencies.modules." + dep
		switch {
		case !ValidName(dep):
			errs.AddWithValue(path, "is not a valid extension name", dep)
		case dep == m.Name:
			errs.Add(path, "an extension cannot depend on itself")
		case seen[dep]:
			errs.Add(path, "is listed more than once")
		}
		seen[dep] = true
	}
}

func validateSettings(m *Manifest, errs *validation.Errors) {
	for _, key := range m.SettingKeys() {
		spec := m.Settings[key]
		path := "settings." + key

		if !keyPattern.MatchString(key) {
			errs.Add(path, "setting name must match "+keyPattern.String())
		}

		if !spec.Type.Valid() {
			errs.AddWithValue(path+".type", "must be one of string, int, float, bool, choice, multichoice, text", string(spec.Type))
			continue
		}

		if spec.Required && !spec.HasDefault() {
			errs.Add(path+".default", "is required when required is true")
		}

		switch {
		case spec.Type.IsChoice() && len(spec.Options) == 0:
			errs.Addf(path+".options", "must be a non-empty list for %s settings", spec.Type)
		case !spec.Type.IsChoice() && len(spec.Options) > 0:
			errs.Addf(path+".options", "is only allowed for choice and multichoice settings, not %s", spec.Type)
		}
		for i, opt := range spec.Options {
			for _, prev := range spec.Options[:i] {
				if prev == opt {
					errs.AddWithValue(path+".options", "contains duplicate option", opt)
				}
			}
		}

		if (spec.Min != nil || spec.Max != nil) && !spec.Type.IsNumeric() {
			errs.Addf(path, "min/max are only allowed for int and float settings, not %s", spec.Type)
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			errs.Addf(path, "min (%v) is greater than max (%v)", *spec.Min, *spec.Max)
		}

		if spec.Regex != "" {
			if spec.Type != TypeString {
				errs.Addf(path+".regex", "is only allowed for string settings, not %s", spec.Type)
			} else if _, err := regexp.Compile(spec.Regex); err != nil {
				errs.AddWithValue(path+".regex", "does not compile: "+err.Error(), spec.Regex)
			}
		}
	}
}

func validatePermissions(m *Manifest, errs *validation.Errors) {
	prefix := m.Name + "."
	seen := make(map[string]bool, len(m.Permissions))
	for _, perm := range m.Permissions {
		path := "permissions." + perm.Name
		switch {
		case perm.Name == "":
			errs.Add("permissions", "permission name is required")
			continue
		case !permissionPattern.MatchString(perm.Name):
			errs.AddWithValue(path, "must be lower-case dotted with at least two segments", perm.Name)
		case m.Name != "" && !strings.HasPrefix(perm.Name, prefix):
			errs.Addf(path, "must start with %q", prefix)
		}
		if seen[perm.Name] {
			errs.Add(path, "is declared more than once")
		}
		seen[perm.Name] = true
	}
}

func validateTasks(m *Manifest, errs *validation.Errors) {
	for _, name := range m.TaskNames() {
		task := m.BackgroundTasks[name]
		path := "background_tasks." + name

		if !keyPattern.MatchString(name) {
			errs.Add(path, "task name must match "+keyPattern.String())
		}
		if task.Entry == "" {
			errs.Add(path+".entry", "is required")
		}
		if task.Schedule != "" {
			if _, err := cron.ParseStandard(task.Schedule); err != nil {
				errs.AddWithValue(path+".schedule", "is not a valid schedule: "+err.Error(), task.Schedule)
			}
		}
	}
}

func validateMetadata(m *Manifest, errs *validation.Errors) {
	if v := m.Metadata.MinHostVersion; v != "" {
		if _, err := semver.StrictNewVersion(v); err != nil {
			errs.AddWithValue("metadata.min_host_version", "must be a semantic version: "+err.Error(), v)
		}
	}
	for _, tag := range m.Metadata.Tags {
		if strings.TrimSpace(tag) == "" {
			errs.Add("metadata.tags", "tags must not be empty")
			break
		}
	}
}
