package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vinayprograms/nexus/internal/approval"
)

// inputModel is a one-line prompt: a header, an optional body and a text input.
type inputModel struct {
	header    string
	body      string
	input     textinput.Model
	value     string
	cancelled bool
}

func newInputModel(header, body, placeholder, initial string) inputModel {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Prompt = "› "
	ti.CharLimit = 0
	ti.Width = termWidth() - 4
	ti.SetValue(initial)
	ti.Focus()
	return inputModel{header: header, body: body, input: ti}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.value = strings.TrimSpace(m.input.Value())
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			m.cancelled = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	var b strings.Builder
	if m.header != "" {
		b.WriteString(m.header + "\n")
	}
	if m.body != "" {
		b.WriteString(m.body + "\n")
	}
	b.WriteString(m.input.View() + "\n")
	return b.String()
}

// ask runs a prompt and returns the entered value. ok is false when the
// operator aborted with ctrl+c, ctrl+d or esc.
func ask(header, body, placeholder, initial string) (value string, ok bool, err error) {
	final, err := tea.NewProgram(newInputModel(header, body, placeholder, initial)).Run()
	if err != nil {
		return "", false, err
	}
	m := final.(inputModel)
	return m.value, !m.cancelled, nil
}

// terminal serializes everything that writes to or reads from the terminal:
// streamed events and interactive prompts never interleave.
type terminal struct {
	mu sync.Mutex
}

// parseChoice maps an operator answer to an approval action.
func parseChoice(s string) approval.Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "a", "allow":
		return approval.ActionAllow
	case "m", "modify", "e", "edit":
		return approval.ActionModify
	default:
		return approval.ActionDeny
	}
}

// approvalPrompter answers queued approval requests at the terminal, one at a time.
type approvalPrompter struct {
	queue *approval.Queue
	term  *terminal
	// askFn is replaced in tests.
	askFn func(header, body, placeholder, initial string) (string, bool, error)
}

func newApprovalPrompter(q *approval.Queue, term *terminal) *approvalPrompter {
	p := &approvalPrompter{queue: q, term: term, askFn: ask}
	q.OnPending = func(approval.Pending) { go p.drain() }
	return p
}

// drain answers every parked request, oldest first.
func (p *approvalPrompter) drain() {
	p.term.mu.Lock()
	defer p.term.mu.Unlock()
	for _, pending := range p.queue.Pending() {
		p.queue.Answer(pending.ID, p.decide(pending.Request))
	}
}

func (p *approvalPrompter) decide(req approval.Request) approval.Decision {
	source := p.queue.Name()
	args, _ := json.MarshalIndent(req.Args, "", "  ")
	header := warnStyle.Render(fmt.Sprintf("⚠ approval required: %s", req.Tool)) +
		dimStyle.Render(fmt.Sprintf("  (%s risk, thread %s)", req.Risk, req.ThreadID))
	body := dimStyle.Render(indent(clip(string(args), 20), "  ")) + "\n" +
		dimStyle.Render("[y]es allow · [n]o deny · [m]odify arguments")

	answer, ok, err := p.askFn(header, body, "y / n / m", "")
	if err != nil {
		return approval.Deny(source, "approval prompt failed: "+err.Error())
	}
	if !ok {
		return approval.Deny(source, "dismissed at terminal")
	}
	switch parseChoice(answer) {
	case approval.ActionAllow:
		return approval.Allow(source, "approved at terminal")
	case approval.ActionModify:
		edited, ok, err := p.askFn(header, dimStyle.Render("edit the arguments (JSON object)"), "{}", compact(args))
		if err != nil || !ok {
			return approval.Deny(source, "modification abandoned")
		}
		var replaced map[string]interface{}
		if err := json.Unmarshal([]byte(edited), &replaced); err != nil || replaced == nil {
			return approval.Deny(source, "modified arguments are not a JSON object")
		}
		return approval.Modify(source, replaced)
	}
	// anything longer than a plain "no" or "deny" is kept as the reason
	if a := strings.TrimSpace(answer); len(a) > 4 {
		return approval.Deny(source, a)
	}
	return approval.Deny(source, "denied at terminal")
}

func compact(b []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return string(b)
	}
	return buf.String()
}
