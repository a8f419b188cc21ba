package graph

import (
	"unicode/utf8"

	"github.com/vinayprograms/nexus/internal/llm"
	"github.com/vinayprograms/nexus/internal/state"
)

const truncationSuffix = "... (truncated for context safety)"

// buildMessages shapes persisted turns into a model prompt. Long contents are
// truncated and only the most recent turns are sent. The window never starts
// inside a tool-result run and always keeps the instruction it answers.
// Persisted history is not modified.
func buildMessages(turns []state.Turn, system string, maxChars, maxRecent int) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})

	start := 0
	if maxRecent > 0 && len(turns) > maxRecent {
		start = len(turns) - maxRecent
	}
	// include the assistant turn that issued these results
	for start > 0 && turns[start].Role == state.RoleTool {
		start--
	}
	if start > 0 && turns[start].Role != state.RoleUser {
		for u := start - 1; u >= 0; u-- {
			if turns[u].Role == state.RoleUser {
				msgs = append(msgs, toMessage(turns[u], maxChars))
				break
			}
		}
	}
	for _, t := range turns[start:] {
		msgs = append(msgs, toMessage(t, maxChars))
	}
	return msgs
}

func toMessage(t state.Turn, maxChars int) llm.Message {
	m := llm.Message{Content: truncate(t.Content, maxChars)}
	switch t.Role {
	case state.RoleUser:
		m.Role = llm.RoleUser
	case state.RoleAssistant:
		m.Role = llm.RoleAssistant
		for _, c := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args, RawArgs: c.RawArgs})
		}
	case state.RoleTool:
		m.Role = llm.RoleTool
		if t.Result != nil {
			m.ToolCallID = t.Result.CallID
			m.ToolName = t.Result.Name
			m.IsError = t.Result.IsError
		}
	}
	return m
}

// truncate cuts s to at most max bytes on a rune boundary and marks the cut.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationSuffix
}
