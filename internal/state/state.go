// Package state defines the persisted execution model: threads, turns and
// the execution snapshot the graph advances.
package state

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// SchemaVersion is the version written with every snapshot.
const SchemaVersion = 1

// Role identifies who contributed a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Phase is a node of the execution graph.
type Phase string

const (
	PhaseAwaitingInput Phase = "AWAITING_INPUT"
	PhaseReasoning     Phase = "REASONING"
	PhaseToolDispatch  Phase = "TOOL_DISPATCH"
	PhaseResponding    Phase = "RESPONDING"
	PhaseTerminal      Phase = "TERMINAL"
)

// Status describes how the last instruction ended (or that it is still running).
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusTruncated Status = "truncated"
	StatusCancelled Status = "cancelled"
)

// Result statuses recorded on tool turns.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultDenied      = "denied"
	ResultAborted     = "aborted"
	ResultUnknownTool = "unknown_tool"
	ResultInvalidArgs = "invalid_arguments"
)

// Terminal markers.
const (
	MarkerTruncated = "[truncated: step budget exhausted, the answer may be incomplete]"
	MarkerCancelled = "[cancelled by operator]"
)

// ToolCall is one tool-call directive emitted by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	// RawArgs is the argument text the model sent when it was not valid JSON.
	RawArgs string `json:"raw_args,omitempty"`
}

// ToolResult is the outcome of one directive.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	Status  string `json:"status"`
}

// Turn is one atomic contribution to a thread.
type Turn struct {
	Seq       int64       `json:"seq"`
	Role      Role        `json:"role"`
	Content   string      `json:"content,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ExecutionState is the snapshot persisted after every transition.
type ExecutionState struct {
	SchemaVersion int        `json:"schema_version"`
	ThreadID      string     `json:"thread_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Revision      int64      `json:"revision"`
	Step          int64      `json:"step"`
	Cycles        int        `json:"cycles"`
	Phase         Phase      `json:"phase"`
	Status        Status     `json:"status"`
	Mode          string     `json:"mode,omitempty"`
	Turns         []Turn     `json:"turns,omitempty"`
	Pending       []ToolCall `json:"pending,omitempty"`
	ErrorCount    int        `json:"error_count,omitempty"`
	Marker        string     `json:"marker,omitempty"`
}

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateThreadID rejects ids that cannot be used as storage keys.
func ValidateThreadID(id string) error {
	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("invalid thread id %q: use letters, digits, '.', '_' or '-' (max 128)", id)
	}
	return nil
}

// New creates the initial state for a thread that has never been saved.
func New(threadID, mode string, now time.Time) *ExecutionState {
	return &ExecutionState{
		SchemaVersion: SchemaVersion,
		ThreadID:      threadID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Phase:         PhaseAwaitingInput,
		Status:        StatusIdle,
		Mode:          mode,
	}
}

// NextSeq returns the sequence number for the next turn.
func (s *ExecutionState) NextSeq() int64 {
	if len(s.Turns) == 0 {
		return 1
	}
	return s.Turns[len(s.Turns)-1].Seq + 1
}

// Append adds a turn with the next sequence number and returns it.
func (s *ExecutionState) Append(t Turn) Turn {
	t.Seq = s.NextSeq()
	s.Turns = append(s.Turns, t)
	return t
}

// InFlight reports whether the last instruction was interrupted before TERMINAL.
func (s *ExecutionState) InFlight() bool {
	switch s.Phase {
	case PhaseReasoning, PhaseToolDispatch, PhaseResponding:
		return true
	}
	return false
}

// AcceptsInput reports whether a new user instruction may start.
func (s *ExecutionState) AcceptsInput() bool {
	return s.Phase == PhaseAwaitingInput || s.Phase == PhaseTerminal
}

// ResolvedCalls returns the call ids that already have a tool turn after the
// most recent assistant turn.
func (s *ExecutionState) ResolvedCalls() map[string]bool {
	done := make(map[string]bool)
	for i := len(s.Turns) - 1; i >= 0; i-- {
		t := s.Turns[i]
		if t.Role == RoleAssistant {
			break
		}
		if t.Role == RoleTool && t.Result != nil {
			done[t.Result.CallID] = true
		}
	}
	return done
}

// LastAssistantText returns the content of the newest assistant turn.
func (s *ExecutionState) LastAssistantText() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleAssistant && s.Turns[i].Content != "" {
			return s.Turns[i].Content
		}
	}
	return ""
}

// Validate checks the structure of a snapshot.
func (s *ExecutionState) Validate() error {
	if err := ValidateThreadID(s.ThreadID); err != nil {
		return err
	}
	var prev int64
	for i, t := range s.Turns {
		if t.Seq <= prev {
			return fmt.Errorf("turn %d: sequence %d not greater than %d", i, t.Seq, prev)
		}
		prev = t.Seq
		switch t.Role {
		case RoleUser, RoleAssistant:
		case RoleTool:
			if t.Result == nil {
				return fmt.Errorf("turn %d: tool turn without result", i)
			}
		default:
			return fmt.Errorf("turn %d: unknown role %q", i, t.Role)
		}
	}
	if len(s.Pending) > 0 && s.Phase != PhaseToolDispatch {
		return fmt.Errorf("pending tool calls outside %s (phase %s)", PhaseToolDispatch, s.Phase)
	}
	return nil
}

// Clone returns a deep copy.
func (s *ExecutionState) Clone() *ExecutionState {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("state: clone: %v", err))
	}
	var c ExecutionState
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("state: clone: %v", err))
	}
	return &c
}
