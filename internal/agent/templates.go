package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rahul/steward/internal/plan"
)

// requestPlaceholder in a template's string args is replaced with the
// request text.
const requestPlaceholder = "{{request}}"

// Template is one intent in the templates file.
type Template struct {
	Name              string            `yaml:"name"`
	Keywords          []string          `yaml:"keywords"`
	Title             string            `yaml:"title"`
	Description       string            `yaml:"description"`
	Steps             []TemplateStep    `yaml:"steps"`
	Assumptions       []plan.Assumption `yaml:"assumptions"`
	Risks             []plan.Risk       `yaml:"risks"`
	Missing           []string          `yaml:"missing"`
	EstimatedDuration time.Duration     `yaml:"estimated_duration"`
	EstimatedCost     float64           `yaml:"estimated_cost"`
}

type TemplateStep struct {
	ID           string         `yaml:"id"`
	Tool         string         `yaml:"tool"`
	Action       string         `yaml:"action"`
	Description  string         `yaml:"description"`
	Args         map[string]any `yaml:"args"`
	RequiredRole string         `yaml:"required_role"`
}

type templateFile struct {
	Intents []Template `yaml:"intents"`
}

// TemplateDrafter matches requests against keyword templates loaded from a
// YAML file. The best match is the template with the most keywords present.
type TemplateDrafter struct {
	Path   string
	Logger *slog.Logger

	mu        sync.RWMutex
	templates []Template
}

func NewTemplateDrafter(path string, logger *slog.Logger) (*TemplateDrafter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &TemplateDrafter{Path: path, Logger: logger.With("component", "templates")}
	if err := d.Load(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load replaces the templates with the file's current content. On error the
// previous templates stay in place.
func (d *TemplateDrafter) Load() error {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse templates %s: %w", d.Path, err)
	}
	for i, t := range f.Intents {
		if t.Name == "" || len(t.Keywords) == 0 || len(t.Steps) == 0 {
			return fmt.Errorf("template %d: name, keywords and steps are required", i+1)
		}
	}
	d.mu.Lock()
	d.templates = f.Intents
	d.mu.Unlock()
	d.Logger.Info("templates loaded", "path", d.Path, "intents", len(f.Intents))
	return nil
}

// Templates returns the loaded intents.
func (d *TemplateDrafter) Templates() []Template {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Template(nil), d.templates...)
}

func (d *TemplateDrafter) Draft(_ context.Context, req Request) (*plan.Plan, error) {
	text := strings.ToLower(req.Text)

	d.mu.RLock()
	var best *Template
	bestScore := 0
	for i := range d.templates {
		score := 0
		for _, kw := range d.templates[i].Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = &d.templates[i], score
		}
	}
	var tpl Template
	if best != nil {
		tpl = *best
	}
	d.mu.RUnlock()

	if best == nil {
		return nil, ErrUnsupportedIntent
	}
	return instantiate(tpl, req.Text)
}

func instantiate(t Template, request string) (*plan.Plan, error) {
	p := &plan.Plan{
		Title:             t.Title,
		Description:       t.Description,
		Assumptions:       append([]plan.Assumption(nil), t.Assumptions...),
		Risks:             append([]plan.Risk(nil), t.Risks...),
		Missing:           append([]string(nil), t.Missing...),
		EstimatedDuration: t.EstimatedDuration,
		EstimatedCost:     t.EstimatedCost,
	}
	if p.Title == "" {
		p.Title = t.Name
	}
	for i, s := range t.Steps {
		var args json.RawMessage
		if len(s.Args) > 0 {
			b, err := json.Marshal(substitute(s.Args, request))
			if err != nil {
				return nil, fmt.Errorf("template %s step %d: %w", t.Name, i+1, err)
			}
			args = b
		}
		p.Steps = append(p.Steps, plan.Step{
			ID:           s.ID,
			ToolID:       s.Tool,
			Action:       s.Action,
			Description:  s.Description,
			Args:         args,
			RequiredRole: s.RequiredRole,
			Order:        i + 1,
		})
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", t.Name, err)
	}
	return p, nil
}

// substitute returns a copy of v with the request placeholder filled in.
func substitute(v any, request string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, requestPlaceholder, request)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = substitute(child, request)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = substitute(child, request)
		}
		return out
	default:
		return v
	}
}

// Watch reloads the templates whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are handled.
func (d *TemplateDrafter) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(d.Path)); err != nil {
		return fmt.Errorf("watch %s: %w", d.Path, err)
	}
	target := filepath.Clean(d.Path)

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := d.Load(); err != nil {
				d.Logger.Warn("template reload failed, keeping previous templates", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.Logger.Warn("template watcher error", "error", err)
		}
	}
}
