package module

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// ProbeExtensions are tried, in order, for extensionless specifiers.
var ProbeExtensions = []string{".ts", ".js", ".json"}

// FSLoader loads file: URLs from a file system. Paths in the URL are taken
// relative to the root of fsys.
type FSLoader struct {
	fsys       fs.FS
	workingURL string
}

// NewFSLoader returns a loader over fsys. Top-level specifiers resolve
// against workingURL, which defaults to file:///.
func NewFSLoader(fsys fs.FS, workingURL string) *FSLoader {
	if workingURL == "" {
		workingURL = "file:///"
	}
	return &FSLoader{fsys: fsys, workingURL: workingURL}
}

// NewDirLoader loads modules from the directory dir on disk.
func NewDirLoader(dir string) *FSLoader {
	return NewFSLoader(os.DirFS(dir), "file:///")
}

func (l *FSLoader) Load(_ context.Context, specifier, referrer string) (*Source, error) {
	base := referrer
	if base == "" {
		base = l.workingURL
	}
	u, err := joinURL(specifier, base)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrNotFound, u.Scheme)
	}

	name := strings.TrimPrefix(path.Clean(u.Path), "/")
	candidates := []string{name}
	if path.Ext(name) == "" {
		for _, ext := range ProbeExtensions {
			candidates = append(candidates, name+ext)
		}
	}

	for _, c := range candidates {
		b, err := fs.ReadFile(l.fsys, c)
		if err != nil {
			continue
		}
		src := &Source{
			OriginURL: (&url.URL{Scheme: "file", Path: "/" + c}).String(),
			Code:      string(b),
		}
		if m, err := fs.ReadFile(l.fsys, c+".map"); err == nil {
			src.SourceMap = string(m)
		}
		return src, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
}

// SecretsLoader serves secrets: URLs from a YAML, JSON or TOML document. Each path
// segment selects a key; the selected value becomes a JSON module.
type SecretsLoader struct {
	values map[string]any
}

// NewSecretsLoader parses doc, which may be YAML or JSON.
func NewSecretsLoader(doc []byte) (*SecretsLoader, error) {
	values := map[string]any{}
	if err := yaml.Unmarshal(doc, &values); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return &SecretsLoader{values: values}, nil
}

// NewTOMLSecretsLoader parses a TOML secrets document.
func NewTOMLSecretsLoader(doc []byte) (*SecretsLoader, error) {
	values := map[string]any{}
	if err := toml.Unmarshal(doc, &values); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return &SecretsLoader{values: values}, nil
}

// LoadSecretsFile reads a secrets document from disk. Files ending in .toml
// are parsed as TOML.
func LoadSecretsFile(name string) (*SecretsLoader, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(path.Ext(name), ".toml") {
		return NewTOMLSecretsLoader(b)
	}
	return NewSecretsLoader(b)
}

func (l *SecretsLoader) Load(_ context.Context, specifier, referrer string) (*Source, error) {
	base := "secrets:///"
	if strings.HasPrefix(referrer, "secrets:") {
		base = referrer
	}
	u, err := joinURL(specifier, base)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "secrets" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrNotFound, u.Scheme)
	}

	p := u.Opaque
	if p == "" {
		p = u.Path
	}
	p = strings.TrimSuffix(strings.Trim(p, "/"), ".json")

	var value any = l.values
	if p != "" {
		for _, seg := range strings.Split(p, "/") {
			m, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, specifier)
			}
			v, ok := m[seg]
			if !ok || v == nil {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, specifier)
			}
			value = v
		}
	}

	b, err := sonic.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode secret %s: %w", specifier, err)
	}
	return &Source{OriginURL: "secrets:///" + p + ".json", Code: string(b)}, nil
}

// SchemeLoader routes specifiers to loaders by URL scheme. Loaders for the
// same scheme are tried in order; the first success wins.
type SchemeLoader struct {
	workingURL string
	loaders    map[string][]Loader
	logger     *zap.Logger
}

// NewSchemeLoader returns a loader for file and http(s) specifiers relative
// to workingURL.
func NewSchemeLoader(workingURL string, logger *zap.Logger) *SchemeLoader {
	if workingURL == "" {
		workingURL = "file:///"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemeLoader{
		workingURL: workingURL,
		loaders:    make(map[string][]Loader),
		logger:     logger,
	}
}

// Register adds l for scheme.
func (s *SchemeLoader) Register(scheme string, l Loader) *SchemeLoader {
	s.loaders[scheme] = append(s.loaders[scheme], l)
	return s
}

func (s *SchemeLoader) Load(ctx context.Context, specifier, referrer string) (*Source, error) {
	base := referrer
	if base == "" || isAsset("", base) {
		base = s.workingURL
	}
	u, err := joinURL(specifier, base)
	if err != nil {
		return nil, err
	}

	loaders := s.loaders[u.Scheme]
	if len(loaders) == 0 {
		return nil, fmt.Errorf("%w: no loaders for scheme %q", ErrNotFound, u.Scheme)
	}

	var errs []error
	for _, l := range loaders {
		src, err := l.Load(ctx, specifier, referrer)
		if err == nil {
			return src, nil
		}
		s.logger.Debug("Loader failed, trying the next one",
			zap.String("specifier", specifier),
			zap.Error(err),
		)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
