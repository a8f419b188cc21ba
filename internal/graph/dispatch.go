package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/nexus/internal/approval"
	"github.com/vinayprograms/nexus/internal/events"
	"github.com/vinayprograms/nexus/internal/state"
	"github.com/vinayprograms/nexus/internal/tools"
)

// job is one pending call that passed lookup, validation and approval.
type job struct {
	call state.ToolCall
	desc tools.Descriptor
	args map[string]interface{}
}

// dispatch resolves every pending call. Approvals are asked one at a time in
// emission order, approved calls then run concurrently, and results are
// folded back in emission order regardless of completion order.
func (g *Graph) dispatch(ctx context.Context, st *state.ExecutionState) (*state.ExecutionState, error) {
	ctx, span := g.startPhaseSpan(ctx, "graph.dispatch", st)
	defer span.End()

	resolved := st.ResolvedCalls()
	var calls []state.ToolCall
	for _, c := range st.Pending {
		if !resolved[c.ID] {
			calls = append(calls, c)
		}
	}

	visible := g.toolsFor(st.Mode)
	results := make([]state.ToolResult, len(calls))
	jobs := make([]*job, len(calls))
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = abortedResult(call, "cancelled before approval")
			continue
		}
		j, res := g.admit(ctx, st, call, visible)
		if j == nil {
			results[i] = res
			continue
		}
		jobs[i] = j
	}

	eg := new(errgroup.Group)
	eg.SetLimit(g.opts.MaxConcurrentTools)
	for i, j := range jobs {
		if j == nil {
			continue
		}
		i, j := i, j
		eg.Go(func() error {
			results[i] = g.execute(ctx, st, j)
			return nil
		})
	}
	eg.Wait()

	next := st.Clone()
	now := g.opts.Now().UTC()
	for i := range results {
		r := results[i]
		if r.IsError {
			next.ErrorCount++
		}
		next.Append(state.Turn{Role: state.RoleTool, Content: r.Content, Result: &r, CreatedAt: now})
	}
	next.Pending = nil

	if ctx.Err() != nil {
		next.Status = state.StatusCancelled
		next.Marker = state.MarkerCancelled
		return next, g.transition(ctx, next, state.PhaseTerminal)
	}

	next.Cycles++
	if next.Cycles >= g.opts.MaxSteps {
		next.Status = state.StatusTruncated
		next.Marker = state.MarkerTruncated
		g.logger.WithThread(st.ThreadID).Warn("step_budget_exhausted", map[string]interface{}{
			"cycles": next.Cycles,
			"limit":  g.opts.MaxSteps,
		})
		return next, g.transition(ctx, next, state.PhaseTerminal)
	}
	return next, g.transition(ctx, next, state.PhaseReasoning)
}

// admit resolves lookup, argument validation and approval for one call.
// A nil job means the call is already resolved by the returned result.
func (g *Graph) admit(ctx context.Context, st *state.ExecutionState, call state.ToolCall, visible map[string]tools.Descriptor) (*job, state.ToolResult) {
	desc, ok := visible[call.Name]
	if !ok {
		return nil, errorResult(call, state.ResultUnknownTool, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if call.RawArgs != "" {
		return nil, errorResult(call, state.ResultInvalidArgs, fmt.Sprintf("arguments are not valid JSON: %s", call.RawArgs))
	}
	args := call.Args
	if err := desc.ValidateArgs(args); err != nil {
		return nil, errorResult(call, state.ResultInvalidArgs, err.Error())
	}
	if !desc.RequiresApproval {
		return &job{call: call, desc: desc, args: args}, state.ToolResult{}
	}

	req := approval.Request{
		CallID:   call.ID,
		ThreadID: st.ThreadID,
		Tool:     call.Name,
		Args:     args,
		Risk:     g.opts.Policy.Classify(call.Name, desc.ReadOnly),
	}
	g.emit(events.KindApprovalRequired, st, map[string]interface{}{
		"call_id": call.ID,
		"tool":    call.Name,
		"risk":    string(req.Risk),
	})
	d := approval.Resolve(ctx, g.opts.Gate, req)
	g.logger.WithThread(st.ThreadID).ApprovalDecision(call.Name, string(d.Action), d.Source)
	g.emit(events.KindApprovalDecided, st, map[string]interface{}{
		"call_id": call.ID,
		"tool":    call.Name,
		"action":  string(d.Action),
		"reason":  d.Reason,
	})

	if !d.Allowed() {
		if ctx.Err() != nil {
			return nil, abortedResult(call, "cancelled during approval")
		}
		reason := d.Reason
		if reason == "" {
			reason = "denied by operator"
		}
		return nil, state.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: "Tool call denied: " + reason,
			IsError: true,
			Status:  state.ResultDenied,
		}
	}
	if d.Action == approval.ActionModify {
		args = d.Args
		if err := desc.ValidateArgs(args); err != nil {
			return nil, errorResult(call, state.ResultInvalidArgs, "modified arguments: "+err.Error())
		}
	}
	return &job{call: call, desc: desc, args: args}, state.ToolResult{}
}

// execute runs one approved call. Handler failures become error results.
func (g *Graph) execute(ctx context.Context, st *state.ExecutionState, j *job) (res state.ToolResult) {
	if ctx.Err() != nil {
		return abortedResult(j.call, "cancelled before execution")
	}
	ctx, span := g.startToolSpan(ctx, j.call)
	defer span.End()

	logger := g.logger.WithThread(st.ThreadID)
	logger.ToolCall(j.call.Name, j.call.ID)
	g.emit(events.KindToolStart, st, map[string]interface{}{
		"call_id": j.call.ID,
		"tool":    j.call.Name,
	})

	start := time.Now()
	out, err := safeCall(ctx, j.desc.Handler, j.args)
	logger.ToolResult(j.call.Name, time.Since(start), err)

	switch {
	case err != nil && ctx.Err() != nil:
		res = abortedResult(j.call, "interrupted: "+err.Error())
	case err != nil:
		span.RecordError(err)
		res = errorResult(j.call, state.ResultError, err.Error())
	default:
		res = state.ToolResult{
			CallID:  j.call.ID,
			Name:    j.call.Name,
			Content: tools.FormatOutput(out),
			Status:  state.ResultOK,
		}
	}
	g.emit(events.KindToolEnd, st, map[string]interface{}{
		"call_id":  j.call.ID,
		"tool":     j.call.Name,
		"status":   res.Status,
		"output":   res.Content,
		"duration": time.Since(start).String(),
	})
	return res
}

var errHandlerPanic = errors.New("tool handler panicked")

func safeCall(ctx context.Context, h tools.Handler, args map[string]interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return h(ctx, args)
}

func errorResult(call state.ToolCall, status, msg string) state.ToolResult {
	return state.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: "Error: " + msg,
		IsError: true,
		Status:  status,
	}
}

func abortedResult(call state.ToolCall, why string) state.ToolResult {
	return state.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: "Aborted: " + why,
		IsError: true,
		Status:  state.ResultAborted,
	}
}
