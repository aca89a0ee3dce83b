package manifest

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dshills/modhost/internal/config/loader"
	"github.com/dshills/modhost/internal/extension"
	"github.com/dshills/modhost/internal/logging"
)

// Manifest file names, in lookup order.
const (
	PrimaryFile    = "manifest.yaml"
	PrimaryFileAlt = "manifest.yml"
	SecondaryFile  = "manifest.toml"
)

// ErrNotFound is returned when a directory has no manifest file.
var ErrNotFound = errors.New("no manifest file found")

// Parser locates, decodes, and validates manifests.
type Parser struct {
	files *loader.FileLoader
	log   *logging.Logger
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithFileLoader sets the loader used to read manifest files.
func WithFileLoader(l *loader.FileLoader) ParserOption {
	return func(p *Parser) {
		p.files = l
	}
}

// WithLogger sets the parser's logger.
func WithLogger(l *logging.Logger) ParserOption {
	return func(p *Parser) {
		p.log = l
	}
}

// NewParser creates a manifest parser.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		files: loader.New(),
		log:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("manifest")
	return p
}

// Locate returns the manifest file to use for dir.
// The primary (YAML) format wins over the secondary (TOML) one; when both
// exist a warning is logged.
func (p *Parser) Locate(dir string) (string, error) {
	var primary string
	for _, name := range []string{PrimaryFile, PrimaryFileAlt} {
		candidate := filepath.Join(dir, name)
		if p.files.Exists(candidate) {
			primary = candidate
			break
		}
	}

	secondary := filepath.Join(dir, SecondaryFile)
	hasSecondary := p.files.Exists(secondary)

	switch {
	case primary != "" && hasSecondary:
		p.log.WithField("dir", dir).Warn("both %s and %s present; using %s",
			filepath.Base(primary), SecondaryFile, filepath.Base(primary))
		return primary, nil
	case primary != "":
		return primary, nil
	case hasSecondary:
		return secondary, nil
	default:
		return "", ErrNotFound
	}
}

// ParseDir parses the manifest of the extension in dir.
//
// The directory name supplies the extension name when the file omits it.
// For built-ins the directory name is seeded as the default before
// decoding; for plugins it is filled in afterwards. Either way an explicit
// in-file name wins, with a warning when it differs from the directory.
//
// All failures are returned as a single *extension.ManifestError.
func (p *Parser) ParseDir(dir string, builtIn bool) (*Manifest, error) {
	dirName := filepath.Base(dir)

	path, err := p.Locate(dir)
	if err != nil {
		return nil, &extension.ManifestError{Extension: dirName, Err: err}
	}
	return p.ParseFile(path, dirName, builtIn)
}

// ParseFile parses and validates a single manifest file.
func (p *Parser) ParseFile(path, dirName string, builtIn bool) (m *Manifest, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = &extension.ManifestError{Extension: dirName, Path: path, Err: fmt.Errorf("panic while parsing: %v", r)}
		}
	}()

	data, err := p.files.Read(path)
	if err != nil {
		return nil, &extension.ManifestError{Extension: dirName, Path: path, Err: err}
	}
	if data == nil {
		return nil, &extension.ManifestError{Extension: dirName, Path: path, Err: ErrNotFound}
	}

	parsed := &Manifest{}
	if builtIn {
		parsed.Name = dirName
	}
	if err := loader.DecodeStrict(path, data, parsed); err != nil {
		return nil, &extension.ManifestError{Extension: dirName, Path: path, Err: err}
	}

	p.reconcileName(parsed, dirName, builtIn)
	if parsed.DisplayName == "" {
		parsed.DisplayName = parsed.Name
	}

	if err := Validate(parsed); err != nil {
		return nil, &extension.ManifestError{Extension: p.errorName(parsed, dirName), Path: path, Err: err}
	}

	return parsed, nil
}

func (p *Parser) reconcileName(m *Manifest, dirName string, builtIn bool) {
	if m.Name == "" {
		m.Name = dirName
		return
	}
	if m.Name != dirName {
		p.log.WithFields(map[string]any{"dir": dirName, "name": m.Name, "builtin": builtIn}).
			Warn("manifest name %q differs from directory %q; using manifest name", m.Name, dirName)
	}
}

func (p *Parser) errorName(m *Manifest, dirName string) string {
	if m.Name != "" {
		return m.Name
	}
	return dirName
}
