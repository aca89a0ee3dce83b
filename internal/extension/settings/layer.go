package settings

// Source indicates which settings layer a value came from.
type Source uint8

const (
	// SourceManifest is the manifest's declared defaults.
	SourceManifest Source = iota
	// SourceShipped is the defaults file shipped inside the extension directory.
	SourceShipped
	// SourceUser is the operator's override file under the user config root.
	SourceUser
)

// String returns a human-readable name for the source.
func (s Source) String() string {
	switch s {
	case SourceManifest:
		return "manifest"
	case SourceShipped:
		return "shipped"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// Layer is one flat key -> value settings layer.
// Later layers override earlier ones key by key.
type Layer struct {
	Source Source

	// Path is the file the layer was read from, empty for SourceManifest.
	Path string

	// Data holds the raw, uncoerced values.
	Data map[string]any
}

// NewLayer creates a layer holding a copy of data.
func NewLayer(source Source, path string, data map[string]any) *Layer {
	return &Layer{
		Source: source,
		Path:   path,
		Data:   cloneMap(data),
	}
}

// Overlay merges layers in order into a fresh map. Values are replaced, not
// deep-merged: settings are flat.
func Overlay(layers ...*Layer) map[string]any {
	out := make(map[string]any)
	for _, l := range layers {
		if l == nil {
			continue
		}
		for k, v := range l.Data {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// Origin returns the last layer that sets key, or nil.
func Origin(key string, layers ...*Layer) *Layer {
	var found *Layer
	for _, l := range layers {
		if l == nil {
			continue
		}
		if _, ok := l.Data[key]; ok {
			found = l
		}
	}
	return found
}

// cloneMap creates a deep copy of a map.
func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))
	for key, val := range src {
		dst[key] = cloneValue(val)
	}
	return dst
}

// cloneValue creates a deep copy of a value.
func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		dst := make([]any, len(v))
		for i, item := range v {
			dst[i] = cloneValue(item)
		}
		return dst
	case []string:
		dst := make([]string, len(v))
		copy(dst, v)
		return dst
	default:
		return val
	}
}
