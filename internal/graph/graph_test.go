package graph

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/nexus/internal/approval"
	"github.com/vinayprograms/nexus/internal/checkpoint"
	"github.com/vinayprograms/nexus/internal/config"
	"github.com/vinayprograms/nexus/internal/connector"
	"github.com/vinayprograms/nexus/internal/events"
	"github.com/vinayprograms/nexus/internal/llm"
	"github.com/vinayprograms/nexus/internal/state"
	"github.com/vinayprograms/nexus/internal/tools"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

type harness struct {
	t     *testing.T
	dir   string
	store checkpoint.Store
	reg   *tools.Registry
	opts  Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	reg := tools.NewRegistry(nil)
	for _, d := range tools.Builtins(dir) {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	h := &harness{t: t, dir: dir, store: checkpoint.NewMemoryStore(), reg: reg}
	h.opts = Options{
		Store:    h.store,
		Registry: reg,
		Gate:     allowAll,
		Now:      func() time.Time { return fixedNow },
	}
	return h
}

func (h *harness) graph(model llm.Provider) *Graph {
	h.t.Helper()
	opts := h.opts
	opts.Model = model
	g, err := New(opts)
	if err != nil {
		h.t.Fatal(err)
	}
	return g
}

func (h *harness) load(threadID string) *state.ExecutionState {
	h.t.Helper()
	st, err := h.store.Load(context.Background(), threadID)
	if err != nil {
		h.t.Fatalf("load %s: %v", threadID, err)
	}
	return st
}

var allowAll = approval.Func{Label: "test", Fn: func(ctx context.Context, req approval.Request) (approval.Decision, error) {
	return approval.Allow("test", "ok"), nil
}}

var denyAll = approval.Func{Label: "test", Fn: func(ctx context.Context, req approval.Request) (approval.Decision, error) {
	return approval.Deny("test", "operator said no"), nil
}}

func call(id, name string, args map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Args: args}
}

// script answers reasoning calls in order and repeats the final text once exhausted.
type script struct {
	mu       sync.Mutex
	steps    []*llm.ChatResponse
	requests []llm.ChatRequest
}

func (s *script) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.steps) {
		return &llm.ChatResponse{Content: "done"}, nil
	}
	return s.steps[i], nil
}

// writeThenConfirm decides from the prompt alone so it behaves the same after a resume.
var writeThenConfirm = llm.ProviderFunc(func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleUser {
		return &llm.ChatResponse{
			Content:   "Creating the file.",
			ToolCalls: []llm.ToolCall{call("c1", "write_file", map[string]interface{}{"path": "a.txt", "content": "hi"})},
		}, nil
	}
	return &llm.ChatResponse{Content: "Done: " + last.Content}, nil
})

func roles(st *state.ExecutionState) string {
	var out []string
	for _, t := range st.Turns {
		out = append(out, string(t.Role))
	}
	return strings.Join(out, ",")
}

func lastToolResult(t *testing.T, st *state.ExecutionState) *state.ToolResult {
	t.Helper()
	for i := len(st.Turns) - 1; i >= 0; i-- {
		if st.Turns[i].Role == state.RoleTool {
			return st.Turns[i].Result
		}
	}
	t.Fatal("no tool turn")
	return nil
}

func TestScenario_WriteDenied(t *testing.T) {
	h := newHarness(t)
	h.opts.Gate = denyAll
	g := h.graph(writeThenConfirm)

	st, err := g.Run(context.Background(), "t1", "create file a.txt with content hi")
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != state.PhaseTerminal || st.Status != state.StatusFinished {
		t.Errorf("expected TERMINAL/finished, got %s/%s", st.Phase, st.Status)
	}
	if got := roles(st); got != "user,assistant,tool,assistant" {
		t.Errorf("unexpected turns %s", got)
	}
	r := lastToolResult(t, st)
	if r.Status != state.ResultDenied || !r.IsError || !strings.Contains(r.Content, "operator said no") {
		t.Errorf("expected denial record, got %+v", r)
	}
	if _, err := os.Stat(filepath.Join(h.dir, "a.txt")); !os.IsNotExist(err) {
		t.Error("a.txt must not be created when denied")
	}
	if !reflect.DeepEqual(h.load("t1"), st.Clone()) {
		t.Error("returned state differs from the committed checkpoint")
	}
}

func TestScenario_WriteAllowed(t *testing.T) {
	h := newHarness(t)
	g := h.graph(writeThenConfirm)

	st, err := g.Run(context.Background(), "t1", "create file a.txt with content hi")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(h.dir, "a.txt"))
	if err != nil || string(data) != "hi" {
		t.Fatalf("file not created: %q %v", data, err)
	}
	r := lastToolResult(t, st)
	if r.Status != state.ResultOK || r.IsError {
		t.Errorf("expected success record, got %+v", r)
	}
	if st.Phase != state.PhaseTerminal || st.Status != state.StatusFinished {
		t.Errorf("expected TERMINAL/finished, got %s/%s", st.Phase, st.Status)
	}
	if !strings.HasPrefix(st.LastAssistantText(), "Done:") {
		t.Errorf("expected final confirmation, got %q", st.LastAssistantText())
	}
	// user, REASONING, TOOL_DISPATCH, REASONING, RESPONDING, TERMINAL
	if st.Step != 5 || st.Revision != 5 {
		t.Errorf("expected 5 committed transitions, got step %d revision %d", st.Step, st.Revision)
	}
}

func TestModifyDecisionReplacesArguments(t *testing.T) {
	h := newHarness(t)
	h.opts.Gate = approval.Func{Label: "edit", Fn: func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		return approval.Modify("edit", map[string]interface{}{"path": "a.txt", "content": "bye"}), nil
	}}
	g := h.graph(writeThenConfirm)
	if _, err := g.Run(context.Background(), "t1", "write"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(h.dir, "a.txt"))
	if string(data) != "bye" {
		t.Errorf("modified arguments not used, got %q", data)
	}
}

func TestApprovalTimeout_HandlerNeverInvoked(t *testing.T) {
	h := newHarness(t)
	var invoked atomic.Int32
	h.reg.Register(tools.Descriptor{
		Name:             "deploy",
		RequiresApproval: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			invoked.Add(1)
			return "deployed", nil
		},
	})
	h.opts.Gate = approval.Timeout{Gate: approval.NewQueue(), After: 20 * time.Millisecond}
	g := h.graph(&script{steps: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{call("c1", "deploy", nil)}},
	}})

	st, err := g.Run(context.Background(), "t1", "ship it")
	if err != nil {
		t.Fatal(err)
	}
	if invoked.Load() != 0 {
		t.Fatal("handler ran although approval timed out")
	}
	r := lastToolResult(t, st)
	if r.Status != state.ResultDenied || !strings.Contains(r.Content, "approval timeout") {
		t.Errorf("expected timeout denial, got %+v", r)
	}
	if st.Status != state.StatusFinished {
		t.Errorf("timeout is not fatal, got %s", st.Status)
	}
}

func slowTool(delays map[string]time.Duration) tools.Descriptor {
	return tools.Descriptor{
		Name: "slow",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"id"},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			id := args["id"].(string)
			time.Sleep(delays[id])
			return "result-" + id, nil
		},
	}
}

func TestConcurrentDispatchMatchesSequential(t *testing.T) {
	delays := map[string]time.Duration{
		"1": 40 * time.Millisecond,
		"2": 30 * time.Millisecond,
		"3": 20 * time.Millisecond,
		"4": 10 * time.Millisecond,
		"5": 0,
	}
	var calls []llm.ToolCall
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		calls = append(calls, call("c"+id, "slow", map[string]interface{}{"id": id}))
	}

	run := func(limit int) []state.Turn {
		h := newHarness(t)
		h.opts.MaxConcurrentTools = limit
		h.reg.Register(slowTool(delays))
		g := h.graph(&script{steps: []*llm.ChatResponse{{ToolCalls: calls}}})
		st, err := g.Run(context.Background(), "t1", "go")
		if err != nil {
			t.Fatal(err)
		}
		var out []state.Turn
		for _, turn := range st.Turns {
			if turn.Role == state.RoleTool {
				out = append(out, turn)
			}
		}
		return out
	}

	sequential := run(1)
	concurrent := run(5)
	if !reflect.DeepEqual(sequential, concurrent) {
		t.Fatalf("concurrent ordering differs:\n%+v\n%+v", sequential, concurrent)
	}
	for i, turn := range concurrent {
		want := fmt.Sprintf("c%d", i+1)
		if turn.Result.CallID != want || turn.Result.Content != fmt.Sprintf("result-%d", i+1) {
			t.Errorf("position %d: got %s %q", i, turn.Result.CallID, turn.Result.Content)
		}
	}
}

func TestUnknownToolAndInvalidArguments(t *testing.T) {
	h := newHarness(t)
	g := h.graph(&script{steps: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			call("c1", "teleport", nil),
			call("c2", "read_file", map[string]interface{}{}),
			{ID: "c3", Name: "read_file", RawArgs: "{oops"},
		}},
		{Content: "sorry"},
	}})
	st, err := g.Run(context.Background(), "t1", "do things")
	if err != nil {
		t.Fatal(err)
	}
	var statuses []string
	for _, turn := range st.Turns {
		if turn.Result != nil {
			statuses = append(statuses, turn.Result.Status)
		}
	}
	want := []string{state.ResultUnknownTool, state.ResultInvalidArgs, state.ResultInvalidArgs}
	if !reflect.DeepEqual(statuses, want) {
		t.Errorf("got %v, want %v", statuses, want)
	}
	if st.ErrorCount != 3 {
		t.Errorf("expected 3 errors counted, got %d", st.ErrorCount)
	}
	if st.Status != state.StatusFinished {
		t.Errorf("recoverable errors must not end the loop, got %s", st.Status)
	}
}

func TestHandlerFailureIsToolError(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(tools.Descriptor{
		Name:     "flaky",
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	})
	h.reg.Register(tools.Descriptor{
		Name:     "panicky",
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("boom")
		},
	})
	g := h.graph(&script{steps: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{call("c1", "flaky", nil), call("c2", "panicky", nil)}},
	}})
	st, err := g.Run(context.Background(), "t1", "go")
	if err != nil {
		t.Fatal(err)
	}
	first, second := st.Turns[2].Result, st.Turns[3].Result
	if first.Status != state.ResultError || !strings.Contains(first.Content, "disk on fire") {
		t.Errorf("unexpected result %+v", first)
	}
	if second.Status != state.ResultError || !strings.Contains(second.Content, "panicked") {
		t.Errorf("unexpected result %+v", second)
	}
}

func TestStepBudgetTruncates(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxSteps = 2
	loopy := llm.ProviderFunc(func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{call("", "list_dir", map[string]interface{}{"path": "."})}}, nil
	})
	g := h.graph(loopy)
	st, err := g.Run(context.Background(), "t1", "never stop")
	if err != nil {
		t.Fatalf("budget exhaustion is not an error: %v", err)
	}
	if st.Phase != state.PhaseTerminal || st.Status != state.StatusTruncated || st.Marker != state.MarkerTruncated {
		t.Errorf("expected truncated terminal, got %s/%s %q", st.Phase, st.Status, st.Marker)
	}
	if st.Cycles != 2 {
		t.Errorf("expected 2 cycles, got %d", st.Cycles)
	}
	for _, turn := range st.Turns {
		for _, c := range turn.ToolCalls {
			if !strings.HasPrefix(c.ID, "call_") {
				t.Errorf("missing call id should be generated, got %q", c.ID)
			}
		}
	}

	// a new instruction on a truncated thread starts a fresh budget
	h.opts.MaxSteps = 5
	g = h.graph(&script{})
	st, err = g.Run(context.Background(), "t1", "summarize")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != state.StatusFinished || st.Marker != "" || st.Cycles != 0 {
		t.Errorf("expected clean finish, got %s %q %d", st.Status, st.Marker, st.Cycles)
	}
}

func TestCancelDuringToolExecution(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxConcurrentTools = 1
	started := make(chan struct{})
	h.reg.Register(tools.Descriptor{
		Name:     "block",
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	var secondRan atomic.Bool
	h.reg.Register(tools.Descriptor{
		Name:     "after",
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			secondRan.Store(true)
			return "ran", nil
		},
	})
	g := h.graph(&script{steps: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{call("c1", "block", nil), call("c2", "after", nil)}},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	st, err := g.Run(ctx, "t1", "go")
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if st.Phase != state.PhaseTerminal || st.Status != state.StatusCancelled || st.Marker != state.MarkerCancelled {
		t.Fatalf("expected cancelled terminal, got %s/%s", st.Phase, st.Status)
	}
	if secondRan.Load() {
		t.Error("unstarted call must not run after cancel")
	}
	for _, id := range []string{"c1", "c2"} {
		found := false
		for _, turn := range st.Turns {
			if turn.Result != nil && turn.Result.CallID == id {
				found = true
				if turn.Result.Status != state.ResultAborted {
					t.Errorf("%s: expected aborted, got %s", id, turn.Result.Status)
				}
			}
		}
		if !found {
			t.Errorf("%s was silently dropped", id)
		}
	}
	if !reflect.DeepEqual(h.load("t1"), st.Clone()) {
		t.Error("cancelled state was not checkpointed")
	}
}

func TestCancelDuringReasoning(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	g := h.graph(llm.ProviderFunc(func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()
	st, err := g.Run(ctx, "t1", "think hard")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != state.StatusCancelled || st.Phase != state.PhaseTerminal {
		t.Errorf("expected cancelled, got %s/%s", st.Phase, st.Status)
	}
	if got := roles(st); got != "user" {
		t.Errorf("unexpected turns %s", got)
	}
}

func TestModelFailureIsInfrastructureAndResumable(t *testing.T) {
	h := newHarness(t)
	down := llm.ProviderFunc(func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, fmt.Errorf("generate: %w", llm.ErrRetriesExhausted)
	})
	g := h.graph(down)
	_, err := g.Run(context.Background(), "t1", "create a.txt")
	if !errors.Is(err, ErrInfrastructure) || !errors.Is(err, llm.ErrRetriesExhausted) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	committed := h.load("t1")
	if committed.Phase != state.PhaseReasoning || roles(committed) != "user" {
		t.Fatalf("expected resumable REASONING checkpoint, got %s %s", committed.Phase, roles(committed))
	}

	if _, err := g.Run(context.Background(), "t1", "again"); !errors.Is(err, ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}

	st, err := h.graph(writeThenConfirm).Resume(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != state.StatusFinished {
		t.Errorf("resume should finish, got %s", st.Status)
	}
}

// crashingStore commits saves until failAt, then fails like a dead process would.
type crashingStore struct {
	checkpoint.Store
	failAt    int
	saves     int
	committed []*state.ExecutionState
}

func (s *crashingStore) Save(ctx context.Context, st *state.ExecutionState) error {
	s.saves++
	if s.saves >= s.failAt {
		return errors.New("process killed")
	}
	if err := s.Store.Save(ctx, st); err != nil {
		return err
	}
	s.committed = append(s.committed, st.Clone())
	return nil
}

func TestCrashAfterAnyCheckpointResumesIdentically(t *testing.T) {
	for failAt := 2; failAt <= 5; failAt++ {
		t.Run(fmt.Sprintf("crash_before_save_%d", failAt), func(t *testing.T) {
			h := newHarness(t)
			crashing := &crashingStore{Store: h.store, failAt: failAt}
			h.opts.Store = crashing
			_, err := h.graph(writeThenConfirm).Run(context.Background(), "t1", "create a.txt")
			if !errors.Is(err, ErrInfrastructure) {
				t.Fatalf("expected infrastructure error, got %v", err)
			}

			last := crashing.committed[len(crashing.committed)-1]
			if got := h.load("t1"); !reflect.DeepEqual(got, last) {
				t.Fatalf("recovered state differs from last checkpoint:\n%+v\n%+v", got, last)
			}

			h.opts.Store = h.store
			st, err := h.graph(writeThenConfirm).Resume(context.Background(), "t1")
			if err != nil {
				t.Fatal(err)
			}
			if st.Phase != state.PhaseTerminal || st.Status != state.StatusFinished {
				t.Errorf("expected finish after resume, got %s/%s", st.Phase, st.Status)
			}
			if st.Revision <= last.Revision {
				t.Errorf("resume must commit successors, got revision %d after %d", st.Revision, last.Revision)
			}
		})
	}
}

func TestStoreFailureOnFirstSave(t *testing.T) {
	h := newHarness(t)
	h.opts.Store = &crashingStore{Store: h.store, failAt: 1}
	_, err := h.graph(writeThenConfirm).Run(context.Background(), "t1", "x")
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if _, err := h.store.Load(context.Background(), "t1"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("nothing should be committed, got %v", err)
	}
}

func TestThreadBusy(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	g := h.graph(llm.ProviderFunc(func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		close(entered)
		<-release
		return &llm.ChatResponse{Content: "ok"}, nil
	}))
	done := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), "t1", "first")
		done <- err
	}()
	<-entered
	if _, err := g.Run(context.Background(), "t1", "second"); !errors.Is(err, ErrThreadBusy) {
		t.Errorf("expected ErrThreadBusy, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestIndependentThreadsRunConcurrently(t *testing.T) {
	h := newHarness(t)
	var inFlight, peak atomic.Int32
	g := h.graph(llm.ProviderFunc(func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return &llm.ChatResponse{Content: "ok"}, nil
	}))
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.Run(context.Background(), fmt.Sprintf("thread-%d", i), "hi"); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() < 2 {
		t.Errorf("threads did not overlap, peak %d", peak.Load())
	}
}

func TestAskModeHidesWriteTools(t *testing.T) {
	h := newHarness(t)
	h.opts.Mode = "ask"
	s := &script{steps: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{call("c1", "write_file", map[string]interface{}{"path": "x", "content": "y"})}},
	}}
	g := h.graph(s)
	st, err := g.Run(context.Background(), "t1", "edit please")
	if err != nil {
		t.Fatal(err)
	}
	for _, def := range s.requests[0].Tools {
		if def.Name == "write_file" || def.Name == "bash" {
			t.Errorf("%s offered in ask mode", def.Name)
		}
	}
	if r := lastToolResult(t, st); r.Status != state.ResultUnknownTool {
		t.Errorf("hidden tool must not dispatch, got %+v", r)
	}

	if _, err := g.SetMode(context.Background(), "t1", "code"); err != nil {
		t.Fatal(err)
	}
	if h.load("t1").Mode != "code" {
		t.Error("mode change not persisted")
	}
	if _, err := g.SetMode(context.Background(), "t1", "chaos"); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestEventsFollowTransitions(t *testing.T) {
	h := newHarness(t)
	em := events.NewEmitter(64)
	h.opts.Events = em
	if _, err := h.graph(writeThenConfirm).Run(context.Background(), "t1", "go"); err != nil {
		t.Fatal(err)
	}
	em.Close()

	var kinds []string
	var phases []string
	for ev := range em.Events() {
		kinds = append(kinds, string(ev.Kind))
		if ev.Kind == events.KindTransition {
			phases = append(phases, ev.Data["to"].(string))
		}
		if ev.ThreadID != "t1" {
			t.Errorf("event for wrong thread %q", ev.ThreadID)
		}
	}
	wantPhases := "REASONING,TOOL_DISPATCH,REASONING,RESPONDING,TERMINAL"
	if got := strings.Join(phases, ","); got != wantPhases {
		t.Errorf("phases %s, want %s", got, wantPhases)
	}
	joined := strings.Join(kinds, ",")
	for _, k := range []string{"approval_required", "approval_decided", "tool_start", "tool_end", "assistant_text", "terminal"} {
		if !strings.Contains(joined, k) {
			t.Errorf("missing %s event in %s", k, joined)
		}
	}
}

func TestAssistantTextShownOnlyOnceCommitted(t *testing.T) {
	h := newHarness(t)
	em := events.NewEmitter(64)
	h.opts.Events = em
	// save 1 enters REASONING, save 2 would commit the answer
	h.opts.Store = &crashingStore{Store: h.store, failAt: 2}
	_, err := h.graph(&script{steps: []*llm.ChatResponse{{Content: "lost answer"}}}).Run(context.Background(), "t1", "hi")
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	em.Close()
	for ev := range em.Events() {
		if ev.Kind == events.KindAssistantText {
			t.Errorf("text of an uncommitted turn was emitted: %v", ev.Data)
		}
	}
}

// hangupProvider accepts one connection, completes the handshake with a
// single "search" tool and drops the connection on the first tools/call.
func hangupProvider(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		enc := json.NewEncoder(conn)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			var msg struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if json.Unmarshal(sc.Bytes(), &msg) != nil || len(msg.ID) == 0 {
				continue
			}
			var result interface{}
			switch msg.Method {
			case "initialize":
				result = map[string]interface{}{
					"protocolVersion": "2025-03-26",
					"serverInfo":      map[string]string{"name": "fake", "version": "0"},
				}
			case "tools/list":
				result = map[string]interface{}{"tools": []map[string]interface{}{{
					"name":        "search",
					"description": "search the index",
					"inputSchema": map[string]interface{}{"type": "object"},
				}}}
			case "tools/call":
				return
			}
			enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": msg.ID, "result": result})
		}
	}()
	return ln.Addr().String()
}

func TestProviderKilledMidCallIsToolError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := connector.NewManager(connector.Options{Registry: h.reg})
	defer m.Close()
	err := m.Connect(ctx, "ext", config.ProviderConfig{Transport: "socket", Address: hangupProvider(t)})
	if err != nil {
		t.Fatal(err)
	}

	model := &script{steps: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{call("c1", "ext.search", map[string]interface{}{})}},
		{Content: "the index is unavailable"},
	}}
	st, err := h.graph(model).Run(ctx, "t1", "search")
	if err != nil {
		t.Fatalf("a lost provider must not fail the run: %v", err)
	}
	res := lastToolResult(t, st)
	if res.CallID != "c1" || res.Status != state.ResultError || !res.IsError {
		t.Errorf("expected an error result for c1, got %+v", res)
	}
	if !strings.Contains(res.Content, "closed") {
		t.Errorf("result should explain the disconnect, got %q", res.Content)
	}
	if st.Phase != state.PhaseTerminal || st.Status != state.StatusFinished {
		t.Errorf("expected TERMINAL/finished, got %s/%s", st.Phase, st.Status)
	}
	if st.LastAssistantText() != "the index is unavailable" {
		t.Errorf("model should see the error and answer, got %q", st.LastAssistantText())
	}
}

func TestSystemPromptIncludesProviderContext(t *testing.T) {
	h := newHarness(t)
	h.opts.ProviderContext = func() string { return "\nConnected tool providers:\n- web: web.fetch\n" }
	s := &script{}
	if _, err := h.graph(s).Run(context.Background(), "t1", "hi"); err != nil {
		t.Fatal(err)
	}
	sys := s.requests[0].Messages[0]
	if sys.Role != llm.RoleSystem || !strings.Contains(sys.Content, "web.fetch") {
		t.Errorf("unexpected system message %+v", sys)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}
