package prompts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/parleyai/parley/core"
)

// Registry loads versioned prompt templates from an fs.FS. Files are named
// name@version.tmpl; an optional override directory shadows embedded prompts
// under the same name and version.
type Registry struct {
	fs          fs.FS
	overrideDir string
	helpers     template.FuncMap

	mu      sync.RWMutex
	prompts map[string]map[string]*promptEntry
}

type promptEntry struct {
	tmpl *template.Template
	sum  string
	path string
}

// PromptID identifies a rendered prompt version. Fingerprint is the SHA-256
// of the template source, useful for logging which prompt text produced a
// completion.
type PromptID struct {
	Name        string
	Version     string
	Fingerprint string
}

// RegistryOption customises registry behaviour.
type RegistryOption func(*Registry)

// WithOverrideDir enables runtime overrides from a local directory.
func WithOverrideDir(dir string) RegistryOption {
	return func(r *Registry) { r.overrideDir = dir }
}

// WithHelperFunc registers a template helper function.
func WithHelperFunc(name string, fn any) RegistryOption {
	return func(r *Registry) {
		if r.helpers == nil {
			r.helpers = template.FuncMap{}
		}
		r.helpers[name] = fn
	}
}

// WithHelpers registers multiple helper functions.
func WithHelpers(funcs template.FuncMap) RegistryOption {
	return func(r *Registry) {
		if r.helpers == nil {
			r.helpers = template.FuncMap{}
		}
		for k, v := range funcs {
			r.helpers[k] = v
		}
	}
}

// NewRegistry constructs a prompt registry. Call Reload before rendering.
func NewRegistry(promptFS fs.FS, opts ...RegistryOption) *Registry {
	r := &Registry{fs: promptFS, helpers: template.FuncMap{}}
	for _, opt := range opts {
		opt(r)
	}
	r.prompts = map[string]map[string]*promptEntry{}
	return r
}

// Reload parses every template from the underlying filesystem, then applies
// the override directory on top.
func (r *Registry) Reload() error {
	loaded := map[string]map[string]*promptEntry{}
	if err := r.load(loaded, r.fs, ""); err != nil {
		return err
	}
	if r.overrideDir != "" {
		if _, err := os.Stat(r.overrideDir); err == nil {
			if err := r.load(loaded, os.DirFS(r.overrideDir), r.overrideDir); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.prompts = loaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) load(dst map[string]map[string]*promptEntry, fsys fs.FS, root string) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".tmpl") {
			return nil
		}
		name, version, err := splitPromptPath(path)
		if err != nil {
			return err
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		tmpl, err := template.New(name).Funcs(r.helpers).Parse(string(data))
		if err != nil {
			return fmt.Errorf("parse prompt %s: %w", path, err)
		}
		sum := sha256.Sum256(data)
		byName := dst[name]
		if byName == nil {
			byName = map[string]*promptEntry{}
			dst[name] = byName
		}
		byName[version] = &promptEntry{
			tmpl: tmpl,
			sum:  hex.EncodeToString(sum[:]),
			path: filepath.Join(root, path),
		}
		return nil
	})
}

// Render executes the selected prompt template. An empty version picks the
// highest version registered under the name.
func (r *Registry) Render(ctx context.Context, name, version string, data any) (string, PromptID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, version, err := r.lookup(name, version)
	if err != nil {
		return "", PromptID{}, err
	}

	buf := &bytes.Buffer{}
	if err := entry.tmpl.Execute(buf, data); err != nil {
		return "", PromptID{}, fmt.Errorf("render prompt %s@%s: %w", name, version, err)
	}
	return buf.String(), PromptID{Name: name, Version: version, Fingerprint: entry.sum}, nil
}

// SystemTurn renders the prompt and wraps it as a system turn ready to lead
// a conversation.
func (r *Registry) SystemTurn(ctx context.Context, name, version string, data any) (core.Turn, PromptID, error) {
	text, id, err := r.Render(ctx, name, version, data)
	if err != nil {
		return core.Turn{}, PromptID{}, err
	}
	return core.SystemTurn(text), id, nil
}

// ListVersions returns the versions registered under name, lowest first.
func (r *Registry) ListVersions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.prompts[name]
	if len(versions) == 0 {
		return nil
	}
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return compareVersions(out[i], out[j]) < 0 })
	return out
}

// Source reports the file a prompt version was loaded from.
func (r *Registry) Source(name, version string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, _, err := r.lookup(name, version)
	if err != nil {
		return "", err
	}
	return entry.path, nil
}

// GetTemplate returns the parsed template for callers that need to compose
// templates directly.
func (r *Registry) GetTemplate(name, version string) (*template.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, _, err := r.lookup(name, version)
	if err != nil {
		return nil, err
	}
	return entry.tmpl, nil
}

func (r *Registry) lookup(name, version string) (*promptEntry, string, error) {
	versions := r.prompts[name]
	if len(versions) == 0 {
		return nil, "", fmt.Errorf("prompt %s not found", name)
	}
	if version == "" {
		version = latest(versions)
	}
	entry, ok := versions[version]
	if !ok {
		return nil, "", fmt.Errorf("prompt %s@%s not found", name, version)
	}
	return entry, version, nil
}

func latest(versions map[string]*promptEntry) string {
	best := ""
	for v := range versions {
		if best == "" || compareVersions(best, v) < 0 {
			best = v
		}
	}
	return best
}

// compareVersions orders dotted version strings numerically per segment, so
// 1.10.0 sorts after 1.2.0. Non-numeric segments fall back to string order.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

func splitPromptPath(path string) (name, version string, err error) {
	base := strings.TrimSuffix(filepath.Base(path), ".tmpl")
	name, version, ok := strings.Cut(base, "@")
	if !ok || name == "" || version == "" {
		return "", "", fmt.Errorf("invalid prompt filename %s (want name@version.tmpl)", path)
	}
	return name, version, nil
}
