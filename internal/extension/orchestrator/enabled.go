package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/modhost/internal/config/loader"
)

// EnabledFile is the enabled list file under the user config root.
const EnabledFile = "enabled_modules.yaml"

// enabledKey is the list key when the enabled file is a mapping.
const enabledKey = "active_modules"

// EnabledPath returns the enabled list file for userRoot.
func EnabledPath(userRoot string) string {
	return filepath.Join(userRoot, EnabledFile)
}

// ReadEnabledList reads the persisted enabled list. The file is either a
// YAML list of names or a mapping with an active_modules list. A missing
// or empty file yields an empty list.
func ReadEnabledList(files *loader.FileLoader, path string) ([]string, error) {
	data, err := files.Read(path)
	if err != nil || data == nil {
		return nil, err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return namesFrom(path, v)
	case map[string]any:
		list, ok := v[enabledKey]
		if !ok || list == nil {
			return nil, nil
		}
		items, ok := list.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: %s must be a list", path, enabledKey)
		}
		return namesFrom(path, items)
	default:
		return nil, fmt.Errorf("%s: expected a list or a mapping with %s", path, enabledKey)
	}
}

func namesFrom(path string, items []any) ([]string, error) {
	names := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%s: entry %d is not a name", path, i+1)
		}
		names = append(names, strings.TrimSpace(s))
	}
	return names, nil
}

// WriteEnabledList writes names as an active_modules mapping.
func WriteEnabledList(path string, names []string) error {
	if names == nil {
		names = []string{}
	}
	return loader.Write(path, map[string]any{enabledKey: names})
}
