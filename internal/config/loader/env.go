package loader

import (
	"os"
	"strings"
)

// EnvLoader loads configuration overrides from environment variables.
//
// Values are returned as raw strings keyed by dotted config path; the
// caller converts them to the type of the field they land in.
type EnvLoader struct {
	prefix  string            // Environment variable prefix (e.g., "MODHOST_")
	mapping map[string]string // Env var -> config path
}

// NewEnvLoader creates a new environment variable loader.
// The prefix should include the trailing underscore (e.g., "MODHOST_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: make(map[string]string),
	}
}

// NewEnvLoaderWithMapping creates a loader with explicit variable mappings.
func NewEnvLoaderWithMapping(prefix string, mapping map[string]string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: mapping,
	}
}

// AddMapping adds a custom environment variable mapping.
func (l *EnvLoader) AddMapping(envVar, configPath string) {
	if l.mapping == nil {
		l.mapping = make(map[string]string)
	}
	l.mapping[envVar] = configPath
}

// Load reads environment variables and returns path -> value.
// Empty values are treated as set.
func (l *EnvLoader) Load() map[string]string {
	out := make(map[string]string)

	for env, path := range l.mapping {
		if val, ok := os.LookupEnv(env); ok {
			out[path] = val
		}
	}

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, l.prefix) {
			continue
		}
		name, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if _, mapped := l.mapping[name]; mapped {
			continue
		}
		out[l.envToPath(name)] = value
	}

	return out
}

// envToPath converts MODHOST_LOG_LEVEL to log.level and
// MODHOST_PATHS_PLUGIN_ROOT to paths.plugin_root.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.ToLower(strings.TrimPrefix(env, l.prefix))
	section, rest, ok := strings.Cut(name, "_")
	if !ok {
		return name
	}
	return section + "." + rest
}

// ParseBool interprets the usual truthy and falsy spellings.
// The second result is false if s is neither.
func ParseBool(s string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1", "y":
		return true, true
	case "false", "no", "off", "0", "n", "":
		return false, true
	default:
		return false, false
	}
}
