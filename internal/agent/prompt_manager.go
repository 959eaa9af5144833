package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const plannerPromptFile = "planner.md"

// leadingPrompts open the planner's system prompt in this order. Other
// markdown files follow by name and planner.md always closes it.
var leadingPrompts = []string{"identity.md", "policies.md"}

const promptSeparator = "\n\n---\n\n"

// PromptManager assembles the planner's system prompt from a directory of
// markdown files.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// Files lists the prompt files in the order Compose joins them.
func (pm *PromptManager) Files() ([]string, error) {
	entries, err := os.ReadDir(pm.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts directory: %w", err)
	}

	present := map[string]bool{}
	var rest []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".md" {
			continue
		}
		present[name] = true
		if name != plannerPromptFile && !slices.Contains(leadingPrompts, name) {
			rest = append(rest, name) // ReadDir returns names sorted
		}
	}
	if !present[plannerPromptFile] {
		return nil, fmt.Errorf("no %s in %s", plannerPromptFile, pm.Directory)
	}

	files := make([]string, 0, len(rest)+len(leadingPrompts)+1)
	for _, name := range leadingPrompts {
		if present[name] {
			files = append(files, name)
		}
	}
	files = append(files, rest...)
	return append(files, plannerPromptFile), nil
}

// Compose returns the system prompt. Unreadable or blank context files are
// skipped; the planner prompt itself is required.
func (pm *PromptManager) Compose() (string, error) {
	files, err := pm.Files()
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(files))
	for _, name := range files {
		path := filepath.Join(pm.Directory, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if name == plannerPromptFile {
				return "", fmt.Errorf("failed to read planner prompt: %w", err)
			}
			slog.Warn("skipping prompt file", "path", path, "error", err)
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, promptSeparator), nil
}
