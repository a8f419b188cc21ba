package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/nexus/internal/checkpoint"
	"github.com/vinayprograms/nexus/internal/connector"
	"github.com/vinayprograms/nexus/internal/state"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Blue

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 1)
)

// maxToolLines caps streamed tool output.
const maxToolLines = 12

// termWidth returns the wrap width, honouring $COLUMNS.
func termWidth() int {
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 20 {
		return n - 2
	}
	return 100
}

func wrap(s string) string {
	return wordwrap.String(s, termWidth())
}

// clip keeps the first n lines of s.
func clip(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n… %d more lines", len(lines)-n)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func renderBanner(threadID, mode, model string) string {
	body := titleStyle.Render("nexus "+version) + "\n" +
		dimStyle.Render(fmt.Sprintf("thread %s · mode %s · model %s", threadID, mode, model)) + "\n" +
		dimStyle.Render("/help for commands, /exit to quit")
	return panelStyle.Render(body)
}

func renderAssistant(text string) string {
	return assistantStyle.Render(wrap(text))
}

func renderToolStart(name string) string {
	return toolStyle.Render("▸ " + name)
}

func renderToolEnd(name, status, output string) string {
	head := toolStyle.Render("◂ "+name) + " " + renderResultStatus(status)
	if strings.TrimSpace(output) == "" {
		return head
	}
	return head + "\n" + dimStyle.Render(indent(clip(output, maxToolLines), "  "))
}

func renderResultStatus(status string) string {
	switch status {
	case state.ResultOK:
		return successStyle.Render(status)
	case state.ResultDenied, state.ResultAborted:
		return warnStyle.Render(status)
	default:
		return errorStyle.Render(status)
	}
}

// renderOutcome describes how an instruction ended. Finished, truncated and
// cancelled are each shown distinctly.
func renderOutcome(st *state.ExecutionState) string {
	switch st.Status {
	case state.StatusFinished:
		return successStyle.Render(fmt.Sprintf("✓ finished · step %d", st.Step))
	case state.StatusTruncated:
		return warnStyle.Render("⚠ " + st.Marker)
	case state.StatusCancelled:
		return warnStyle.Render("✗ " + st.Marker)
	default:
		return dimStyle.Render(fmt.Sprintf("thread at %s (%s)", st.Phase, st.Status))
	}
}

// renderInstruction prints the tool results and final answer of the latest
// instruction, for runs that did not stream.
func renderInstruction(w io.Writer, st *state.ExecutionState) {
	start := 0
	for i := len(st.Turns) - 1; i >= 0; i-- {
		if st.Turns[i].Role == state.RoleUser {
			start = i + 1
			break
		}
	}
	for _, t := range st.Turns[start:] {
		if t.Role == state.RoleTool && t.Result != nil {
			fmt.Fprintln(w, renderToolEnd(t.Result.Name, t.Result.Status, t.Result.Content))
		}
	}
	if text := st.LastAssistantText(); text != "" && st.Status == state.StatusFinished {
		fmt.Fprintln(w, renderAssistant(text))
	}
}

func renderTurn(t state.Turn) string {
	stamp := dimStyle.Render(fmt.Sprintf("#%d %s", t.Seq, t.CreatedAt.Local().Format(time.DateTime)))
	switch t.Role {
	case state.RoleUser:
		return stamp + " " + userStyle.Render("you") + "\n" + wrap(t.Content)
	case state.RoleAssistant:
		var b strings.Builder
		b.WriteString(stamp + " " + titleStyle.Render("assistant"))
		if t.Content != "" {
			b.WriteString("\n" + renderAssistant(t.Content))
		}
		for _, c := range t.ToolCalls {
			b.WriteString("\n" + renderToolStart(c.Name) + dimStyle.Render(" "+c.ID))
		}
		return b.String()
	case state.RoleTool:
		if t.Result == nil {
			return stamp + " tool"
		}
		return stamp + " " + renderToolEnd(t.Result.Name, t.Result.Status, t.Result.Content)
	}
	return stamp + " " + string(t.Role)
}

func renderThreads(w io.Writer, infos []checkpoint.ThreadInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no threads"))
		return
	}
	for _, info := range infos {
		fmt.Fprintf(w, "%-28s %-15s %-10s %4d turns  %s\n",
			titleStyle.Render(info.ThreadID),
			info.Phase,
			info.Status,
			info.TurnCount,
			dimStyle.Render(info.UpdatedAt.Local().Format(time.DateTime)))
	}
}

func renderStatuses(w io.Writer, statuses []connector.Status) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no providers configured"))
		return
	}
	for _, s := range statuses {
		label := successStyle.Render(string(s.State))
		if s.State != connector.StateReady {
			label = errorStyle.Render(string(s.State))
		}
		fmt.Fprintf(w, "%s (%s) %s\n", titleStyle.Render(s.Name), s.Transport, label)
		if s.Error != "" {
			fmt.Fprintln(w, "  "+errorStyle.Render(s.Error))
		}
		for _, t := range s.Tools {
			fmt.Fprintln(w, "  "+toolStyle.Render(t))
		}
	}
}
