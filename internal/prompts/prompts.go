// Package prompts provides the system prompt for each agent mode.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Modes lists the supported agent modes.
var Modes = []string{"code", "architect", "ask"}

// ValidMode reports whether mode is supported.
func ValidMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

const base = `You are Nexus, an autonomous coding agent working inside the user's workspace.

Guidelines:
1. Explain what you are about to do before calling tools.
2. Prefer reading and searching before editing. Keep edits minimal and targeted.
3. Skip ignored and generated directories (.git, node_modules, vendor, .venv) unless asked.
4. Side-effecting tools may be denied by the operator. When a call is denied, do not retry it unchanged; explain and ask.
5. When a tool returns an error, read it and adjust instead of repeating the same call.
6. Be concise. Finish with a short summary of what changed.
`

var defaults = map[string]string{
	"code": base + `
Mode: code. You may read, search, edit files and run shell commands to complete the task.
`,
	"architect": base + `
Mode: architect. Analyze the codebase and produce a design or plan. You may only write files under plans/.
Do not modify source files.
`,
	"ask": base + `
Mode: ask. Answer questions about the codebase using read-only tools. Do not modify anything.
`,
}

// Loader resolves prompts, preferring <Dir>/<mode>.md over the built-in text.
type Loader struct {
	Dir string
}

// System returns the system prompt for mode.
func (l Loader) System(mode string) (string, error) {
	if mode == "" {
		mode = "code"
	}
	def, ok := defaults[mode]
	if !ok {
		return "", fmt.Errorf("unknown mode %q", mode)
	}
	if l.Dir == "" {
		return def, nil
	}
	data, err := os.ReadFile(filepath.Join(l.Dir, mode+".md"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return def, nil
	case err != nil:
		return "", fmt.Errorf("read prompt override: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return def, nil
	}
	return string(data), nil
}

// ProviderContext describes connected external providers for the system prompt.
func ProviderContext(tools map[string][]string) string {
	if len(tools) == 0 {
		return ""
	}
	names := make([]string, 0, len(tools))
	for n := range tools {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("\nConnected tool providers:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "- %s: %s\n", n, strings.Join(tools[n], ", "))
	}
	return b.String()
}
