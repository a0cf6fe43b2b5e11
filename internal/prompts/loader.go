// Package prompts renders the deterministic per-phase prompt from the run
// context. Templates are embedded and may be overridden per file from
// configured directories.
package prompts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	phaseTemplate       = "phase.tmpl"
	integrationTemplate = "integration.tmpl"

	// DefaultPriorLimit caps how much of each earlier response is quoted.
	DefaultPriorLimit = 4000
)

// Phase identifies the phase being prompted.
type Phase struct {
	Ordinal  int
	Code     string
	Name     string
	Template string
}

// Prior is a completed earlier phase quoted into the prompt.
type Prior struct {
	Code     string
	Name     string
	Response string
}

// Data is the template context for one phase prompt.
type Data struct {
	Topic              string
	Phase              Phase
	Total              int
	Prior              []Prior
	PriorLimit         int
	IntegrationEnabled bool
	Kinds              []string
}

// TemplateMeta holds frontmatter metadata.
type TemplateMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // checked in order; first match wins
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// NewLoader creates a loader with the given override directories.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path.Join("templates", name))
}

// Exists reports whether a template is available under name.
func (l *Loader) Exists(name string) bool {
	_, err := l.loadContent(name)
	return err == nil
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")
	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}
	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil
	}

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(str[4:4+end]), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return &meta, str[4+end+5:], nil
}

// LoadTemplate loads and parses a template by name (e.g. "phases/review.tmpl").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()
	return tmpl, meta, nil
}

// Resolve returns the template used for a phase: the phase's explicit
// template, then phases/<code>.tmpl, then the default.
func (l *Loader) Resolve(p Phase) string {
	if p.Template != "" {
		return p.Template
	}
	if name := "phases/" + p.Code + ".tmpl"; l.Exists(name) {
		return name
	}
	return phaseTemplate
}

// Render builds the prompt for one phase from the currently loaded
// templates.
func (l *Loader) Render(data Data) (string, error) {
	set, err := l.Snapshot(data.Phase)
	if err != nil {
		return "", err
	}
	return set.Render(data)
}

// Set is a fixed group of parsed templates resolved for a list of phases.
// Later reloads of the Loader do not change a Set.
type Set struct {
	templates map[string]*template.Template
	resolved  map[string]string
}

// Snapshot resolves and parses the template of every phase plus the
// integration instructions.
func (l *Loader) Snapshot(phases ...Phase) (*Set, error) {
	s := &Set{
		templates: make(map[string]*template.Template),
		resolved:  make(map[string]string, len(phases)),
	}
	names := []string{integrationTemplate}
	for _, p := range phases {
		name := l.Resolve(p)
		s.resolved[p.Code] = name
		names = append(names, name)
	}
	for _, name := range names {
		if _, ok := s.templates[name]; ok {
			continue
		}
		tmpl, _, err := l.LoadTemplate(name)
		if err != nil {
			return nil, err
		}
		s.templates[name] = tmpl
	}
	return s, nil
}

func (s *Set) execute(name string, data Data) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("template %s not loaded", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// Render builds the prompt for one phase. The same Data always yields the
// same prompt. Directive instructions are appended when integration is
// enabled for the phase.
func (s *Set) Render(data Data) (string, error) {
	name, ok := s.resolved[data.Phase.Code]
	if !ok {
		return "", fmt.Errorf("no template resolved for phase %q", data.Phase.Code)
	}
	if data.PriorLimit <= 0 {
		data.PriorLimit = DefaultPriorLimit
	}
	if data.Prior == nil {
		data.Prior = []Prior{}
	}

	prompt, err := s.execute(name, data)
	if err != nil {
		return "", err
	}
	prompt = strings.TrimSpace(prompt)

	if data.IntegrationEnabled {
		instructions, err := s.execute(integrationTemplate, data)
		if err != nil {
			return "", err
		}
		prompt += "\n\n" + strings.TrimSpace(instructions)
	}
	return prompt, nil
}

// Invalidate drops every cached template so the next render rereads them.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
}

// Watch invalidates the cache whenever an override directory changes. It
// returns once the watcher is armed; the watcher stops when ctx is done.
// Override directories that do not exist are skipped.
func (l *Loader) Watch(ctx context.Context, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompt watcher: %w", err)
	}

	watched := 0
	for _, dir := range l.overrideDirs {
		for _, d := range []string{dir, filepath.Join(dir, "phases")} {
			if info, err := os.Stat(d); err != nil || !info.IsDir() {
				continue
			}
			if err := watcher.Add(d); err != nil {
				_ = watcher.Close()
				return fmt.Errorf("watching %s: %w", d, err)
			}
			watched++
		}
	}
	if watched == 0 {
		_ = watcher.Close()
		return nil
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.Invalidate()
					logger.Debug(ctx, "prompt templates reloaded", zap.String("path", event.Name))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					logger.Warn(ctx, "prompt watcher error", zap.Error(err))
				}
				l.Invalidate()
			}
		}
	}()
	return nil
}
