package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/vinayprograms/nexus/internal/checkpoint"
	"github.com/vinayprograms/nexus/internal/graph"
	"github.com/vinayprograms/nexus/internal/prompts"
	"github.com/vinayprograms/nexus/internal/state"
)

const helpText = `Commands:
  /help                  Show this help
  /about                 Version, model and thread
  /config                Print the effective configuration
  /providers, /mcps      External tool providers and their tools
  /mode [code|architect|ask]
                         Show or switch the agent mode of this thread
  /threads               List saved threads
  /exit                  Leave (the thread stays resumable)

Ctrl+C while the agent works cancels the current instruction.`

// Run starts or continues a thread.
func (c *ChatCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if c.Mode != "" && !prompts.ValidMode(c.Mode) {
		return usage(fmt.Errorf("unknown mode %q (use %s)", c.Mode, strings.Join(prompts.Modes, ", ")))
	}
	threadID := c.Thread
	if threadID == "" {
		threadID = newThreadID()
	}
	if err := state.ValidateThreadID(threadID); err != nil {
		return usage(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{
		configPath: configPath(g),
		mode:       c.Mode,
		stream:     streamOverride(c.Stream, c.NoStream, cfg.Agent.Stream),
	})
	if err != nil {
		return failure(err)
	}
	defer rt.Close()

	s := newSession(rt, threadID, os.Stdout)
	if err := s.resumeInterrupted(ctx); err != nil {
		return failure(err)
	}
	if c.Mode != "" {
		if _, err := rt.graph.SetMode(ctx, threadID, c.Mode); err != nil {
			return failure(err)
		}
	}
	if len(c.Message) > 0 {
		return s.send(ctx, strings.Join(c.Message, " "))
	}
	return s.repl(ctx)
}

// Run resumes an interrupted thread.
func (c *ResumeCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if err := state.ValidateThreadID(c.Thread); err != nil {
		return usage(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{
		configPath: configPath(g),
		stream:     streamOverride(c.Stream, c.NoStream, cfg.Agent.Stream),
	})
	if err != nil {
		return failure(err)
	}
	defer rt.Close()

	s := newSession(rt, c.Thread, os.Stdout)
	st, err := rt.store.Load(ctx, c.Thread)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return failure(fmt.Errorf("thread %s not found", c.Thread))
	}
	if err != nil {
		return failure(err)
	}
	if !st.InFlight() {
		fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("thread %s has nothing to resume", c.Thread)))
		fmt.Fprintln(s.out, renderOutcome(st))
		return nil
	}
	return s.resumeInterrupted(ctx)
}

func newThreadID() string {
	return "t-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// session drives one thread from the terminal.
type session struct {
	rt       *runtime
	threadID string
	out      io.Writer
	// readFn reads one line of operator input; replaced in tests.
	readFn func() (string, bool, error)
}

func newSession(rt *runtime, threadID string, out io.Writer) *session {
	s := &session{rt: rt, threadID: threadID, out: out}
	s.readFn = s.readLine
	return s
}

func (s *session) readLine() (string, bool, error) {
	s.rt.term.mu.Lock()
	defer s.rt.term.mu.Unlock()
	return ask(userStyle.Render("you"), "", "type an instruction or /help", "")
}

// interruptible returns a context cancelled by Ctrl+C for the duration of one instruction.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// resumeInterrupted finishes an instruction a previous process left in flight.
func (s *session) resumeInterrupted(ctx context.Context) error {
	st, err := s.rt.store.Load(ctx, s.threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !st.InFlight() {
		return nil
	}
	fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("resuming thread %s at %s (step %d)", s.threadID, st.Phase, st.Step)))

	runCtx, stop := interruptible(ctx)
	defer stop()
	st, err = s.rt.graph.Resume(runCtx, s.threadID)
	if err != nil {
		return err
	}
	s.report(st)
	return nil
}

// send runs one instruction and reports its outcome. Cancellation is a
// normal outcome; infrastructure failures are returned.
func (s *session) send(ctx context.Context, input string) error {
	runCtx, stop := interruptible(ctx)
	defer stop()

	st, err := s.rt.graph.Run(runCtx, s.threadID, input)
	if errors.Is(err, graph.ErrInFlight) {
		if err := s.resumeInterrupted(ctx); err != nil {
			return failure(err)
		}
		st, err = s.rt.graph.Run(runCtx, s.threadID, input)
	}
	if err != nil {
		return failure(err)
	}
	s.report(st)
	return nil
}

func (s *session) report(st *state.ExecutionState) {
	s.rt.term.mu.Lock()
	defer s.rt.term.mu.Unlock()
	if !s.rt.printer.stream {
		renderInstruction(s.out, st)
	}
	fmt.Fprintln(s.out, renderOutcome(st))
}

// repl reads instructions until /exit or end of input.
func (s *session) repl(ctx context.Context) error {
	fmt.Fprintln(s.out, renderBanner(s.threadID, s.mode(ctx), s.rt.cfg.LLM.Model))
	for {
		line, ok, err := s.readFn()
		if err != nil {
			return failure(err)
		}
		if !ok {
			return nil
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.slash(ctx, line)
			if err != nil {
				fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}
		// a failed instruction leaves the thread resumable; keep the session open
		if err := s.send(ctx, line); err != nil {
			fmt.Fprintln(s.out, errorStyle.Render(describeError(err)))
		}
	}
}

// mode returns the thread's persisted mode, or the default for a new thread.
func (s *session) mode(ctx context.Context) string {
	if st, err := s.rt.store.Load(ctx, s.threadID); err == nil && st.Mode != "" {
		return st.Mode
	}
	return s.rt.cfg.Agent.Mode
}

func (s *session) slash(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, helpText)
	case "/about":
		fmt.Fprintf(s.out, "nexus %s (commit %s)\nmodel:     %s/%s\nthread:    %s\nmode:      %s\nworkspace: %s\n",
			version, commit, s.rt.cfg.LLM.Provider, s.rt.cfg.LLM.Model, s.threadID, s.mode(ctx), s.rt.cfg.Agent.Workspace)
	case "/config":
		return false, writeConfig(s.out, s.rt.cfg)
	case "/providers", "/mcps":
		renderStatuses(s.out, s.rt.connector.Statuses())
	case "/mode":
		if len(fields) < 2 {
			fmt.Fprintf(s.out, "mode: %s (available: %s)\n", s.mode(ctx), strings.Join(prompts.Modes, ", "))
			return false, nil
		}
		if _, err := s.rt.graph.SetMode(ctx, s.threadID, fields[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, successStyle.Render("mode set to "+fields[1]))
	case "/threads":
		infos, err := s.rt.store.List(ctx)
		if err != nil {
			return false, err
		}
		renderThreads(s.out, infos)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}
