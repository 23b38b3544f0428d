// Package skills implements a directory-backed skill registry. Each skill
// lives at <dir>/<name>/SKILL.md: TOML front matter between "+++" lines,
// then the instruction body handed to agents that activate the skill.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/quayrun/quay"
)

const manifestName = "SKILL.md"

// frontMatter is the TOML header of a SKILL.md.
type frontMatter struct {
	Description string   `toml:"description"`
	Recommended []string `toml:"recommended"`
	AutoLoad    bool     `toml:"auto_load"`
}

type entry struct {
	meta quay.SkillMeta
	body string
}

// Registry resolves skills from a directory and optionally watches it for
// changes. It implements quay.SkillSource.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]entry
}

// Option configures New.
type Option func(*Registry)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry over dir and loads it once. A missing directory is
// not an error; it yields an empty registry that Watch will pick up later.
func New(dir string, opts ...Option) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		logger: slog.New(slog.DiscardHandler),
		skills: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return r, nil
}

// Reload rescans the skills directory, replacing the registry contents.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}
	loaded := make(map[string]entry)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(r.dir, name, manifestName)
		meta, body, err := parseManifest(name, path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("skipping unreadable skill", "skill", name, "error", err)
			}
			continue
		}
		loaded[name] = entry{meta: meta, body: body}
	}
	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()
	r.logger.Debug("skills loaded", "dir", r.dir, "count", len(loaded))
	return nil
}

// parseManifest reads one SKILL.md: "+++" front matter, then the body.
func parseManifest(name, path string) (quay.SkillMeta, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return quay.SkillMeta{}, "", err
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")

	var fm frontMatter
	body := text
	if strings.HasPrefix(text, "+++\n") {
		rest := text[len("+++\n"):]
		end := strings.Index(rest, "\n+++")
		if end < 0 {
			return quay.SkillMeta{}, "", fmt.Errorf("skill %s: unterminated front matter", name)
		}
		if err := toml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
			return quay.SkillMeta{}, "", fmt.Errorf("skill %s: front matter: %w", name, err)
		}
		body = strings.TrimPrefix(rest[end+len("\n+++"):], "\n")
	}

	meta := quay.SkillMeta{
		Name:        name,
		Description: fm.Description,
		Recommended: fm.Recommended,
		AutoLoad:    fm.AutoLoad,
		Path:        path,
	}
	return meta, strings.TrimSpace(body), nil
}

// Resolve returns a skill's metadata and instruction body.
func (r *Registry) Resolve(name string) (quay.SkillMeta, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.skills[name]
	if !ok {
		return quay.SkillMeta{}, "", fmt.Errorf("skill %q: %w", name, quay.ErrNotFound)
	}
	return e.meta, e.body, nil
}

// List enumerates installed skills sorted by name.
func (r *Registry) List() []quay.SkillMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]quay.SkillMeta, 0, len(r.skills))
	for _, e := range r.skills {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the registry whenever the skills directory changes, until
// ctx is cancelled. It blocks; run it in its own goroutine.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("skills: watch %s: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("skills reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("skills watcher error", "error", err)
		}
	}
}

var _ quay.SkillSource = (*Registry)(nil)
