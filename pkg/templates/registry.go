package templates

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/dustin/go-humanize"

	"agentrouter/pkg/errors"
)

//go:embed assets/**/*.tmpl
var embeddedFS embed.FS

const ext = ".tmpl"

// funcs are available to every prompt and notification
var funcs = template.FuncMap{
	"join": strings.Join,
	"pct": func(v float64) string {
		return fmt.Sprintf("%.0f%%", v*100)
	},
	"usd": func(v float64) string {
		return "$" + humanize.FormatFloat("#,###.####", v)
	},
}

// Template is one parsed prompt or notification body
type Template struct {
	ID     string
	Source string // layer the template was read from

	parsed *template.Template
}

func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.parsed.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render %s (%s)", t.ID, t.Source)
	}
	return buf.String(), nil
}

// Layer is a named template filesystem. IDs are slash paths without the extension,
// e.g. "prompts/debate".
type Layer struct {
	Name string
	FS   fs.FS
}

// DirLayer reads templates from a directory on disk
func DirLayer(dir string) Layer {
	return Layer{Name: dir, FS: os.DirFS(dir)}
}

// Registry resolves template IDs across layers. A template in a later layer
// replaces the one with the same ID in an earlier layer, so operators can
// override single prompts without copying the whole set.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry parses every template of every layer up front. Any parse error
// fails the whole registry so a bad override is caught at startup.
func NewRegistry(layers ...Layer) (*Registry, error) {
	r := &Registry{templates: map[string]*Template{}}
	for _, layer := range layers {
		if err := r.load(layer); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// WithOverrides returns the embedded templates overlaid by dir. An empty dir
// returns the embedded registry.
func WithOverrides(dir string) (*Registry, error) {
	if dir == "" {
		return Get(), nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "template overrides %s: %v", dir, err)
	}
	return NewRegistry(embeddedLayer(), DirLayer(dir))
}

// Get returns the registry built from the embedded assets
func Get() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = NewRegistry(embeddedLayer())
	})
	if defaultErr != nil {
		panic(defaultErr)
	}
	return defaultRegistry
}

// GetTemplate returns the template for id or an error wrapping errors.ErrNotFound
func (r *Registry) GetTemplate(id string) (*Template, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "template %s", id)
	}
	return tmpl, nil
}

func (r *Registry) Render(id string, data any) (string, error) {
	tmpl, err := r.GetTemplate(id)
	if err != nil {
		return "", err
	}
	return tmpl.Render(data)
}

// List returns the known IDs in sorted order
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) load(layer Layer) error {
	return fs.WalkDir(layer.FS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walk templates %s", layer.Name)
		}
		if d.IsDir() || path.Ext(p) != ext {
			return nil
		}

		content, err := fs.ReadFile(layer.FS, p)
		if err != nil {
			return errors.Wrapf(err, "read %s/%s", layer.Name, p)
		}

		id := strings.TrimSuffix(p, ext)
		parsed, err := template.New(id).Funcs(funcs).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return errors.Wrapf(errors.ErrInvalidInput, "parse %s/%s: %v", layer.Name, p, err)
		}

		r.templates[id] = &Template{ID: id, Source: layer.Name, parsed: parsed}
		return nil
	})
}

func embeddedLayer() Layer {
	sub, err := fs.Sub(embeddedFS, "assets")
	if err != nil {
		panic(err)
	}
	return Layer{Name: "embedded", FS: sub}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)
