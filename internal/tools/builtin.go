package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DirEntry represents a directory entry for list_dir.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ExecResult represents the result of bash execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// GrepMatch represents a grep match result.
type GrepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

const maxGrepMatches = 500

// Builtins returns the in-process tools scoped to workspace. Side-effecting
// tools default to requiring approval; callers may override per policy.
func Builtins(workspace string) []Descriptor {
	ws := &workspaceFS{root: workspace}
	return []Descriptor{
		{
			Name:        "read_file",
			Description: "Read the contents of a file at the given path.",
			Parameters: object(map[string]interface{}{
				"path": str("Path to the file to read, relative to the workspace"),
			}, "path"),
			ReadOnly: true,
			Handler:  ws.readFile,
		},
		{
			Name:        "write_file",
			Description: "Write content to a file at the given path. Creates parent directories if needed.",
			Parameters: object(map[string]interface{}{
				"path":    str("Path to the file to write"),
				"content": str("Content to write to the file"),
			}, "path", "content"),
			RequiresApproval: true,
			Handler:          ws.writeFile,
		},
		{
			Name:        "edit_file",
			Description: "Find and replace text in a file. The old text must match exactly once.",
			Parameters: object(map[string]interface{}{
				"path": str("Path to the file to edit"),
				"old":  str("Text to find (exact match)"),
				"new":  str("Text to replace with"),
			}, "path", "old", "new"),
			RequiresApproval: true,
			Handler:          ws.editFile,
		},
		{
			Name:        "list_dir",
			Description: "List directory contents.",
			Parameters: object(map[string]interface{}{
				"path": str("Directory path to list (default: workspace root)"),
			}),
			ReadOnly: true,
			Handler:  ws.listDir,
		},
		{
			Name:        "glob",
			Description: "Find files matching a glob pattern such as **/*.go.",
			Parameters: object(map[string]interface{}{
				"pattern": str("Glob pattern (e.g., *.go, **/*.txt)"),
			}, "pattern"),
			ReadOnly: true,
			Handler:  ws.glob,
		},
		{
			Name:        "grep",
			Description: "Search for a regex pattern in a file or directory.",
			Parameters: object(map[string]interface{}{
				"pattern": str("Regex pattern to search for"),
				"path":    str("File or directory to search (default: workspace root)"),
			}, "pattern"),
			ReadOnly: true,
			Handler:  ws.grep,
		},
		{
			Name:        "bash",
			Description: "Execute a shell command in the workspace.",
			Parameters: object(map[string]interface{}{
				"command": str("Shell command to execute"),
			}, "command"),
			RequiresApproval: true,
			Handler:          ws.bash,
		},
	}
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

type workspaceFS struct {
	root string
}

// resolve maps p into the workspace and rejects escapes.
func (w *workspaceFS) resolve(p string) (string, error) {
	root, err := filepath.Abs(w.root)
	if err != nil {
		return "", err
	}
	if p == "" {
		return root, nil
	}
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(root, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return full, nil
}

func stringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

func (w *workspaceFS) readFile(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return string(content), nil
}

func (w *workspaceFS) writeFile(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(args, "path")), nil
}

func (w *workspaceFS) editFile(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	old, repl := stringArg(args, "old"), stringArg(args, "new")
	if old == "" {
		return nil, fmt.Errorf("old must not be empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	switch n := strings.Count(string(content), old); n {
	case 0:
		return nil, fmt.Errorf("pattern not found in file")
	case 1:
	default:
		return nil, fmt.Errorf("pattern matches %d times; include more context", n)
	}
	updated := strings.Replace(string(content), old, repl, 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return "ok", nil
}

func (w *workspaceFS) listDir(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	result := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	return result, nil
}

func (w *workspaceFS) glob(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	root, err := w.resolve("")
	if err != nil {
		return nil, err
	}
	pattern := stringArg(args, "pattern")
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob failed: %w", err)
	}
	if matches == nil {
		matches = []string{}
	}
	return matches, nil
}

func (w *workspaceFS) grep(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	re, err := regexp.Compile(stringArg(args, "pattern"))
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	path, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	root, _ := w.resolve("")

	matches := []GrepMatch{}
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		found, _ := grepFile(re, p, root)
		matches = append(matches, found...)
		if len(matches) >= maxGrepMatches {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(matches) > maxGrepMatches {
		matches = matches[:maxGrepMatches]
	}
	return matches, nil
}

func grepFile(re *regexp.Regexp, path, root string) ([]GrepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := path
	if rel, err := filepath.Rel(root, path); err == nil {
		name = rel
	}
	var matches []GrepMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if re.MatchString(scanner.Text()) {
			matches = append(matches, GrepMatch{File: name, Line: line, Content: scanner.Text()})
		}
	}
	return matches, scanner.Err()
}

func (w *workspaceFS) bash(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	command := stringArg(args, "command")
	root, err := w.resolve("")
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = root

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}
