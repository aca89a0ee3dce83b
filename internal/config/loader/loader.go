// Package loader reads and writes the structured files modhost consumes:
// manifests, settings files, the enabled-module list, and the host
// configuration.
//
// Two encodings are supported and selected by file extension: YAML
// (.yaml, .yml) and TOML (.toml).
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Format is a structured file encoding.
type Format string

const (
	// FormatYAML is YAML 1.2 via gopkg.in/yaml.v3.
	FormatYAML Format = "yaml"
	// FormatTOML is TOML 1.0 via github.com/pelletier/go-toml/v2.
	FormatTOML Format = "toml"
)

// ErrUnsupportedFormat is returned for file extensions with no codec.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// FormatFor returns the format implied by path's extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// FileSystem is an abstraction for file system access.
// This allows tests to use in-memory file systems.
type FileSystem interface {
	// ReadFile reads the entire file at path.
	ReadFile(path string) ([]byte, error)
	// Stat returns file info for path.
	Stat(path string) (fs.FileInfo, error)
	// WriteFile replaces path with data, creating parent directories.
	WriteFile(path string, data []byte) error
}

// OSFS implements FileSystem using the real OS file system.
type OSFS struct{}

// ReadFile reads the entire file at path.
func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Stat returns file info for path.
func (OSFS) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// WriteFile writes data to a temporary file next to path and renames it
// into place, so readers never see a partial file.
func (OSFS) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// DefaultFS returns the default file system (OS).
func DefaultFS() FileSystem {
	return OSFS{}
}

// FileLoader loads structured files through a FileSystem.
type FileLoader struct {
	fs FileSystem
}

// New creates a FileLoader backed by the OS file system.
func New() *FileLoader {
	return &FileLoader{fs: DefaultFS()}
}

// NewWithFS creates a FileLoader with a custom file system.
func NewWithFS(fsys FileSystem) *FileLoader {
	return &FileLoader{fs: fsys}
}

// Exists reports whether path exists and is a regular file.
func (l *FileLoader) Exists(path string) bool {
	info, err := l.fs.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads path into a generic map.
// Returns nil, nil if the file doesn't exist.
func (l *FileLoader) Load(path string) (map[string]any, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	data, err := l.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var out map[string]any
	switch format {
	case FormatYAML:
		out, err = parseYAML(path, data)
	case FormatTOML:
		out, err = parseTOML(path, data)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

// Read returns the raw bytes of path.
// Returns nil, nil if the file doesn't exist.
func (l *FileLoader) Read(path string) ([]byte, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// DecodeStrict decodes data into v using the format implied by path.
// Keys that do not map to a field of v are errors.
func DecodeStrict(path string, data []byte, v any) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	switch format {
	case FormatYAML:
		return decodeYAMLStrict(path, data, v)
	default:
		return decodeTOMLStrict(path, data, v)
	}
}

// Write encodes data using the format implied by path and writes it
// through the loader's file system.
func (l *FileLoader) Write(path string, data map[string]any) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}

	var encoded []byte
	switch format {
	case FormatYAML:
		encoded, err = encodeYAML(data)
	case FormatTOML:
		encoded, err = encodeTOML(data)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	if err := l.fs.WriteFile(path, encoded); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Write writes data to path on the OS file system.
func Write(path string, data map[string]any) error {
	return New().Write(path, data)
}

// ParseError represents an error while parsing a structured file.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
