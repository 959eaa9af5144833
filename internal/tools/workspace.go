package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rahul/steward/internal/plan"
)

// WorkspaceHandler reads and writes files under a per-workspace directory.
// A write may persist the output of an earlier step instead of literal content.
type WorkspaceHandler struct {
	Root string
}

func NewWorkspaceHandler(root string) *WorkspaceHandler {
	absRoot, _ := filepath.Abs(root)
	return &WorkspaceHandler{Root: absRoot}
}

func (f *WorkspaceHandler) Name() string {
	return "workspace"
}

func (f *WorkspaceHandler) Description() string {
	return "Manage files in the user's workspace. Actions: 'write', 'read', 'list'."
}

func (f *WorkspaceHandler) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filename": map[string]any{
				"type":        "string",
				"description": "The name of the file or directory, relative to the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write (only for 'write')",
			},
			"from_step": map[string]any{
				"type":        "string",
				"description": "Write the output of this earlier step instead of content (only for 'write')",
			},
		},
		"required": []string{"filename"},
	}
}

func (f *WorkspaceHandler) dir(ec ExecutionContext) string {
	ws := ec.WorkspaceID
	if ws == "" {
		ws = ec.UserID
	}
	return filepath.Join(f.Root, filepath.Base(filepath.Clean("/"+ws)))
}

func (f *WorkspaceHandler) Execute(ctx context.Context, step plan.Step, ec ExecutionContext) (json.RawMessage, error) {
	var args struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
		FromStep string `json:"from_step"`
	}
	if err := decodeArgs(step, &args); err != nil {
		return nil, err
	}

	root := f.dir(ec)
	targetPath := filepath.Join(root, args.Filename)

	// Safety check: ensure targetPath is within the workspace
	rel, err := filepath.Rel(root, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, Terminal(fmt.Errorf("unsafe path attempt: %s", args.Filename))
	}

	switch step.Action {
	case "write":
		content := []byte(args.Content)
		if args.FromStep != "" {
			out, ok := ec.Outputs[args.FromStep]
			if !ok {
				return nil, Terminal(fmt.Errorf("no output recorded for step %s", args.FromStep))
			}
			content = out
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, Transient(KindTransientIO, err)
		}
		if err := os.WriteFile(targetPath, content, 0o644); err != nil {
			return nil, Transient(KindTransientIO, fmt.Errorf("failed to write file: %w", err))
		}
		return textOutput(map[string]any{"path": rel, "bytes": len(content)})
	case "read":
		data, err := os.ReadFile(targetPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, Terminal(fmt.Errorf("file not found: %s", args.Filename))
		}
		if err != nil {
			return nil, Transient(KindTransientIO, fmt.Errorf("failed to read file: %w", err))
		}
		return textOutput(map[string]any{"path": rel, "content": string(data)})
	case "list":
		entries, err := os.ReadDir(targetPath)
		if errors.Is(err, os.ErrNotExist) {
			return textOutput(map[string]any{"path": rel, "entries": []string{}})
		}
		if err != nil {
			return nil, Transient(KindTransientIO, fmt.Errorf("failed to list directory: %w", err))
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return textOutput(map[string]any{"path": rel, "entries": names})
	default:
		return nil, Terminal(fmt.Errorf("workspace: unknown action %q", step.Action))
	}
}
