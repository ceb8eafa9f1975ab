// Package templates renders the starter content pushed into new project
// repositories. Templates are embedded at compile time under files/<id>/.
package templates

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"text/template"
)

//go:embed all:files
var templateFiles embed.FS

const (
	root         = "files"
	manifestName = "template.json"
	tmplSuffix   = ".tmpl"
	slugToken    = "__slug__"
)

// ErrUnknownTemplate is returned for template IDs that are not embedded
var ErrUnknownTemplate = errors.New("unknown project template")

// Manifest describes a template
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// Data is available to every template file
type Data struct {
	ProjectName   string
	ProjectSlug   string
	Description   string
	Owner         string
	RepoName      string
	DefaultBranch string
	Provider      string
	// ModulePath is derived from the repository when empty
	ModulePath string
}

// cache stores parsed manifests to avoid repeated JSON parsing
var (
	cache   = make(map[string]Manifest)
	cacheMu sync.RWMutex
)

// Renderer renders embedded templates
type Renderer struct {
	files fs.FS
}

// NewRenderer returns a renderer over the embedded templates
func NewRenderer() *Renderer {
	sub, err := fs.Sub(templateFiles, root)
	if err != nil {
		panic(fmt.Sprintf("embedded templates missing: %v", err))
	}
	return &Renderer{files: sub}
}

// NewRendererFS renders templates from another filesystem laid out as <id>/...
func NewRendererFS(files fs.FS) *Renderer {
	return &Renderer{files: files}
}

// Get returns the manifest of a template
func (r *Renderer) Get(id string) (Manifest, error) {
	key := fmt.Sprintf("%p/%s", r.files, id)
	cacheMu.RLock()
	if m, ok := cache[key]; ok {
		cacheMu.RUnlock()
		return m, nil
	}
	cacheMu.RUnlock()

	if id == "" || strings.ContainsAny(id, "/\\.") {
		return Manifest{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	data, err := fs.ReadFile(r.files, path.Join(id, manifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest of template %s: %w", id, err)
	}
	if m.ID == "" {
		m.ID = id
	}

	cacheMu.Lock()
	cache[key] = m
	cacheMu.Unlock()
	return m, nil
}

// List returns all template manifests sorted by ID
func (r *Renderer) List() ([]Manifest, error) {
	entries, err := fs.ReadDir(r.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := r.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Render returns the rendered files of a template keyed by repository path.
// Files ending in .tmpl are executed with data and lose the suffix; other
// files are copied as is. "__slug__" in paths becomes the project slug.
func (r *Renderer) Render(id string, data Data) (map[string][]byte, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	if data.ModulePath == "" && data.Owner != "" && data.RepoName != "" {
		data.ModulePath = moduleHost(data.Provider) + "/" + data.Owner + "/" + data.RepoName
	}
	if data.DefaultBranch == "" {
		data.DefaultBranch = "main"
	}

	out := map[string][]byte{}
	err := fs.WalkDir(r.files, id, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(p, id+"/")
		if rel == manifestName {
			return nil
		}
		content, err := fs.ReadFile(r.files, p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		rel = strings.ReplaceAll(rel, slugToken, data.ProjectSlug)
		if strings.HasSuffix(rel, tmplSuffix) {
			rel = strings.TrimSuffix(rel, tmplSuffix)
			content, err = execute(p, content, data)
			if err != nil {
				return err
			}
		}
		out[rel] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", id, err)
	}
	return out, nil
}

func execute(name string, content []byte, data Data) ([]byte, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func moduleHost(provider string) string {
	if provider == "gitlab" {
		return "gitlab.com"
	}
	return "github.com"
}

// ClearCache clears the manifest cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	cache = make(map[string]Manifest)
	cacheMu.Unlock()
}
