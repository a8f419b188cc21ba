// Package graph implements the execution graph: the resumable loop that
// alternates model reasoning and tool dispatch and checkpoints every
// transition.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/nexus/internal/approval"
	"github.com/vinayprograms/nexus/internal/checkpoint"
	"github.com/vinayprograms/nexus/internal/events"
	"github.com/vinayprograms/nexus/internal/llm"
	"github.com/vinayprograms/nexus/internal/logging"
	"github.com/vinayprograms/nexus/internal/prompts"
	"github.com/vinayprograms/nexus/internal/state"
	"github.com/vinayprograms/nexus/internal/tools"
)

var (
	// ErrInfrastructure wraps failures that end a turn cycle: the checkpoint
	// store or the reasoning service is unavailable. The last committed
	// checkpoint stays valid and resumable.
	ErrInfrastructure = errors.New("infrastructure failure")
	// ErrThreadBusy is returned when the thread already has a running loop in this process.
	ErrThreadBusy = errors.New("thread is already running")
	// ErrInFlight is returned by Run when the thread was interrupted and must be resumed first.
	ErrInFlight = errors.New("thread has an interrupted instruction; resume it first")
)

// errCancelled is internal: the loop observed cancellation at a suspension point.
var errCancelled = errors.New("cancelled")

// Options configures a Graph.
type Options struct {
	Store    checkpoint.Store
	Registry *tools.Registry
	Model    llm.Provider
	// Gate decides gated calls. Nil denies every gated call.
	Gate   approval.Gate
	Policy approval.Policy
	Events events.Sink
	Logger *logging.Logger

	Prompts prompts.Loader
	// ProviderContext is appended to the system prompt (connected providers).
	ProviderContext func() string

	Mode               string
	MaxSteps           int
	MaxConcurrentTools int
	MaxTextChars       int
	MaxRecentTurns     int
	MaxTokens          int

	Now func() time.Time
}

// Graph drives threads through the execution phases. One Graph serves many
// threads; each thread runs at most one loop at a time.
type Graph struct {
	opts   Options
	logger *logging.Logger
	sink   events.Sink
	tracer trace.Tracer

	mu      sync.Mutex
	running map[string]bool
}

// New validates opts and fills defaults.
func New(opts Options) (*Graph, error) {
	var errs []error
	if opts.Store == nil {
		errs = append(errs, errors.New("graph: store is required"))
	}
	if opts.Registry == nil {
		errs = append(errs, errors.New("graph: registry is required"))
	}
	if opts.Model == nil {
		errs = append(errs, errors.New("graph: model is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = "code"
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 25
	}
	if opts.MaxConcurrentTools <= 0 {
		opts.MaxConcurrentTools = 4
	}
	if opts.MaxTextChars <= 0 {
		opts.MaxTextChars = 10000
	}
	if opts.MaxRecentTurns <= 0 {
		opts.MaxRecentTurns = 15
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	sink := opts.Events
	if sink == nil {
		sink = events.Discard
	}
	return &Graph{
		opts:    opts,
		logger:  logger.WithComponent("graph"),
		sink:    sink,
		tracer:  otel.Tracer("github.com/vinayprograms/nexus/internal/graph"),
		running: make(map[string]bool),
	}, nil
}

func (g *Graph) acquire(threadID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[threadID] {
		return nil, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
	}
	g.running[threadID] = true
	return func() {
		g.mu.Lock()
		delete(g.running, threadID)
		g.mu.Unlock()
	}, nil
}

// load returns the committed state or a fresh one for an unknown thread.
func (g *Graph) load(ctx context.Context, threadID string) (*state.ExecutionState, error) {
	if err := state.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	st, err := g.opts.Store.Load(ctx, threadID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return state.New(threadID, g.opts.Mode, g.opts.Now().UTC()), nil
	case err != nil:
		return nil, fmt.Errorf("%w: load %s: %w", ErrInfrastructure, threadID, err)
	}
	return st, nil
}

// Run submits a user instruction to a thread and drives it to a resting
// phase. A new thread id starts a new thread. Cancellation of ctx ends the
// instruction in TERMINAL/cancelled and is not an error.
func (g *Graph) Run(ctx context.Context, threadID, input string) (*state.ExecutionState, error) {
	release, err := g.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := g.startRunSpan(ctx, threadID, "run")
	st, err := g.run(ctx, threadID, input)
	g.endRunSpan(span, st, err)
	return st, err
}

func (g *Graph) run(ctx context.Context, threadID, input string) (*state.ExecutionState, error) {
	st, err := g.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if st.InFlight() {
		return st, fmt.Errorf("%w: %s is in %s", ErrInFlight, threadID, st.Phase)
	}
	if ctx.Err() != nil {
		return st, nil
	}

	next := st.Clone()
	next.Append(state.Turn{Role: state.RoleUser, Content: input, CreatedAt: g.opts.Now().UTC()})
	next.Status = state.StatusRunning
	next.Cycles = 0
	next.Marker = ""
	if next.Mode == "" {
		next.Mode = g.opts.Mode
	}
	if err := g.transition(ctx, next, state.PhaseReasoning); err != nil {
		return st, err
	}
	return g.loop(ctx, next)
}

// Resume continues a thread from its last committed phase. Threads at rest
// are returned unchanged.
func (g *Graph) Resume(ctx context.Context, threadID string) (*state.ExecutionState, error) {
	release, err := g.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := g.opts.Store.Load(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load %s: %w", ErrInfrastructure, threadID, err)
	}
	if !st.InFlight() {
		return st, nil
	}
	g.logger.WithThread(threadID).Info("thread_resumed", map[string]interface{}{
		"phase": string(st.Phase),
		"step":  st.Step,
	})
	ctx, span := g.startRunSpan(ctx, threadID, "resume")
	st, err = g.loop(ctx, st)
	g.endRunSpan(span, st, err)
	return st, err
}

// SetMode changes the mode of a thread at rest.
func (g *Graph) SetMode(ctx context.Context, threadID, mode string) (*state.ExecutionState, error) {
	if !prompts.ValidMode(mode) {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	release, err := g.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := g.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if st.InFlight() {
		return st, fmt.Errorf("%w: %s is in %s", ErrInFlight, threadID, st.Phase)
	}
	next := st.Clone()
	next.Mode = mode
	next.Revision++
	next.UpdatedAt = g.opts.Now().UTC()
	if err := g.opts.Store.Save(context.WithoutCancel(ctx), next); err != nil {
		return st, fmt.Errorf("%w: checkpoint: %w", ErrInfrastructure, err)
	}
	return next, nil
}

// loop advances st until it rests in AWAITING_INPUT or TERMINAL.
func (g *Graph) loop(ctx context.Context, st *state.ExecutionState) (*state.ExecutionState, error) {
	for {
		switch st.Phase {
		case state.PhaseAwaitingInput, state.PhaseTerminal:
			return st, nil
		}
		if ctx.Err() != nil {
			return g.cancel(ctx, st)
		}

		var (
			next *state.ExecutionState
			err  error
		)
		switch st.Phase {
		case state.PhaseReasoning:
			next, err = g.reason(ctx, st)
		case state.PhaseToolDispatch:
			next, err = g.dispatch(ctx, st)
		case state.PhaseResponding:
			next, err = g.respond(ctx, st)
		default:
			return st, fmt.Errorf("unknown phase %q", st.Phase)
		}
		if errors.Is(err, errCancelled) {
			return g.cancel(ctx, st)
		}
		if err != nil {
			g.emit(events.KindError, st, map[string]interface{}{"error": err.Error()})
			return st, err
		}
		st = next
	}
}

// transition moves st to phase and commits it. st must be a working copy:
// on failure the caller keeps the previous committed state.
func (g *Graph) transition(ctx context.Context, st *state.ExecutionState, to state.Phase) error {
	from := st.Phase
	st.Phase = to
	st.Step++
	st.Revision++
	st.UpdatedAt = g.opts.Now().UTC()

	// a cancel must not tear a commit in half
	if err := g.opts.Store.Save(context.WithoutCancel(ctx), st); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrInfrastructure, err)
	}

	logger := g.logger.WithThread(st.ThreadID)
	logger.TransitionEntered(string(from), string(to), int(st.Step))
	logger.CheckpointSaved(st.ThreadID, st.Revision, string(to))
	g.emit(events.KindTransition, st, map[string]interface{}{
		"from":     string(from),
		"to":       string(to),
		"revision": st.Revision,
	})
	if to == state.PhaseTerminal {
		g.emit(events.KindTerminal, st, map[string]interface{}{
			"status": string(st.Status),
			"marker": st.Marker,
			"text":   st.LastAssistantText(),
		})
	}
	return nil
}

// reason performs one model call.
func (g *Graph) reason(ctx context.Context, st *state.ExecutionState) (*state.ExecutionState, error) {
	ctx, span := g.startPhaseSpan(ctx, "graph.reason", st)
	defer span.End()

	system, err := g.systemPrompt(st.Mode)
	if err != nil {
		span.RecordError(err)
		return st, fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	visible := g.toolsFor(st.Mode)
	req := llm.ChatRequest{
		Messages:  buildMessages(st.Turns, system, g.opts.MaxTextChars, g.opts.MaxRecentTurns),
		Tools:     toolDefs(visible),
		MaxTokens: g.opts.MaxTokens,
	}

	resp, err := g.opts.Model.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return st, errCancelled
		}
		span.RecordError(err)
		g.logger.WithThread(st.ThreadID).Error("reasoning_failed", map[string]interface{}{"error": err.Error()})
		return st, fmt.Errorf("%w: reasoning call failed: %w", ErrInfrastructure, err)
	}
	recordUsage(span, resp)

	next := st.Clone()
	calls := normalizeCalls(resp.ToolCalls)
	next.Append(state.Turn{
		Role:      state.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
		CreatedAt: g.opts.Now().UTC(),
	})
	to := state.PhaseResponding
	if len(calls) > 0 {
		next.Pending = calls
		to = state.PhaseToolDispatch
	}
	if err := g.transition(ctx, next, to); err != nil {
		return st, err
	}
	// only committed text is shown
	if resp.Content != "" {
		g.emit(events.KindAssistantText, next, map[string]interface{}{"text": resp.Content})
	}
	return next, nil
}

// respond finishes an instruction whose final answer has been recorded.
func (g *Graph) respond(ctx context.Context, st *state.ExecutionState) (*state.ExecutionState, error) {
	next := st.Clone()
	next.Status = state.StatusFinished
	return next, g.transition(ctx, next, state.PhaseTerminal)
}

// cancel records unresolved pending calls as aborted and commits
// TERMINAL/cancelled.
func (g *Graph) cancel(ctx context.Context, st *state.ExecutionState) (*state.ExecutionState, error) {
	if st.Phase == state.PhaseTerminal || st.Phase == state.PhaseAwaitingInput {
		return st, nil
	}
	next := st.Clone()
	resolved := next.ResolvedCalls()
	for _, call := range next.Pending {
		if resolved[call.ID] {
			continue
		}
		r := abortedResult(call, "cancelled before execution")
		next.Append(state.Turn{Role: state.RoleTool, Content: r.Content, Result: &r, CreatedAt: g.opts.Now().UTC()})
	}
	next.Pending = nil
	next.Status = state.StatusCancelled
	next.Marker = state.MarkerCancelled
	if err := g.transition(ctx, next, state.PhaseTerminal); err != nil {
		return st, err
	}
	g.logger.WithThread(st.ThreadID).Info("thread_cancelled", map[string]interface{}{"step": next.Step})
	return next, nil
}

func (g *Graph) systemPrompt(mode string) (string, error) {
	p, err := g.opts.Prompts.System(mode)
	if err != nil {
		return "", err
	}
	if g.opts.ProviderContext != nil {
		p += g.opts.ProviderContext()
	}
	return p, nil
}

// toolsFor returns the descriptors offered in mode, keyed by name.
func (g *Graph) toolsFor(mode string) map[string]tools.Descriptor {
	ds := tools.ForMode(g.opts.Registry.List(), mode)
	out := make(map[string]tools.Descriptor, len(ds))
	for _, d := range ds {
		out[d.Name] = d
	}
	return out
}

func toolDefs(visible map[string]tools.Descriptor) []llm.ToolDef {
	names := make([]string, 0, len(visible))
	for n := range visible {
		names = append(names, n)
	}
	sort.Strings(names)
	defs := make([]llm.ToolDef, len(names))
	for i, n := range names {
		d := visible[n]
		defs[i] = llm.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return defs
}

// normalizeCalls gives every directive a unique id.
func normalizeCalls(in []llm.ToolCall) []state.ToolCall {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]state.ToolCall, len(in))
	for i, c := range in {
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		out[i] = state.ToolCall{ID: id, Name: c.Name, Args: c.Args, RawArgs: c.RawArgs}
	}
	return out
}

func (g *Graph) emit(kind events.Kind, st *state.ExecutionState, data map[string]interface{}) {
	g.sink.Emit(events.Event{
		Kind:     kind,
		ThreadID: st.ThreadID,
		Step:     st.Step,
		Time:     g.opts.Now().UTC(),
		Data:     data,
	})
}
