// Package main wires configuration into a running agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vinayprograms/nexus/internal/approval"
	"github.com/vinayprograms/nexus/internal/checkpoint"
	"github.com/vinayprograms/nexus/internal/config"
	"github.com/vinayprograms/nexus/internal/connector"
	"github.com/vinayprograms/nexus/internal/events"
	"github.com/vinayprograms/nexus/internal/graph"
	"github.com/vinayprograms/nexus/internal/llm"
	"github.com/vinayprograms/nexus/internal/logging"
	"github.com/vinayprograms/nexus/internal/prompts"
	"github.com/vinayprograms/nexus/internal/tools"
)

// loadConfig loads the config file (or ./nexus.toml), applies global overrides and validates.
func loadConfig(g *Globals) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.ConfigFile != "" {
		cfg, err = config.LoadFile(g.ConfigFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, failure(fmt.Errorf("loading config: %w", err))
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = "."
	}
	if abs, err := filepath.Abs(cfg.Agent.Workspace); err == nil {
		cfg.Agent.Workspace = abs
	}
	if err := cfg.Validate(); err != nil {
		return nil, failure(fmt.Errorf("invalid config: %w", err))
	}
	return cfg, nil
}

// configPath returns the file the config was (or would be) loaded from.
func configPath(g *Globals) string {
	if g.ConfigFile != "" {
		return g.ConfigFile
	}
	return config.DefaultFile
}

// newLogger builds the process logger. Logs go to stderr unless logging.file is set.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closer = func() { f.Close() }
	}
	return logging.NewWithOptions(w, cfg.Logging.Format, logging.ParseLevel(cfg.Logging.Level)), closer, nil
}

// openStore opens the configured checkpoint backend under the storage directory.
func openStore(cfg *config.Config) (checkpoint.Store, error) {
	dir := cfg.StorageDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	switch cfg.Storage.Backend {
	case "file":
		return checkpoint.NewFileStore(filepath.Join(dir, "threads"))
	default:
		return checkpoint.NewSQLiteStore(filepath.Join(dir, cfg.Storage.CheckpointDB))
	}
}

// policyFor builds the approval policy from config.
func policyFor(cfg *config.Config) approval.Policy {
	return approval.Policy{
		SafeTools:  cfg.Approval.SafeTools,
		AlwaysGate: cfg.Approval.AlwaysGate,
		HighRisk:   approval.DefaultHighRisk,
	}
}

// newRegistry registers the builtins with the policy applied.
func newRegistry(cfg *config.Config, pol approval.Policy, logger *logging.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry(logger)
	for _, d := range tools.Builtins(cfg.Agent.Workspace) {
		d.RequiresApproval = pol.RequiresApproval(d.Name, d.RequiresApproval)
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// newGate assembles the approval chain. The operator queue is always last
// and bounded by the configured timeout.
func newGate(cfg *config.Config, queue *approval.Queue) approval.Gate {
	if !cfg.Approval.Required {
		return approval.AutoApprove{}
	}
	var chain approval.Chain
	if cfg.Approval.AutoDenyHighRisk {
		chain = append(chain, approval.DenyRisk{Level: approval.RiskHigh})
	}
	if cfg.Approval.MaxPerMinute > 0 {
		chain = append(chain, approval.NewRateLimit(cfg.Approval.MaxPerMinute))
	}
	chain = append(chain, approval.Timeout{Gate: queue, After: cfg.ApprovalTimeout()})
	return chain
}

// runtimeOptions are per-invocation settings from the command line.
type runtimeOptions struct {
	configPath string
	mode       string
	stream     bool
	out        io.Writer
}

// runtime holds every component of a running agent.
type runtime struct {
	cfg    *config.Config
	logger *logging.Logger

	store     checkpoint.Store
	registry  *tools.Registry
	connector *connector.Manager
	queue     *approval.Queue
	prompter  *approvalPrompter
	emitter   *events.Emitter
	printer   *printer
	term      *terminal
	graph     *graph.Graph

	closers []func()
}

// newRuntime creates and starts every component. Failures here are startup
// failures: the caller exits non-zero.
func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, term: &terminal{}}
	if err := rt.start(ctx, opts); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) start(ctx context.Context, opts runtimeOptions) error {
	cfg := rt.cfg
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	rt.logger = logger
	rt.closers = append(rt.closers, closeLog)

	if rt.store, err = openStore(cfg); err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() { rt.store.Close() })

	pol := policyFor(cfg)
	if rt.registry, err = newRegistry(cfg, pol, logger); err != nil {
		return err
	}

	model, err := llm.NewProvider(ctx, llm.Config{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		APIKey:    cfg.GetAPIKey(),
		BaseURL:   cfg.LLM.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
		Retry: llm.RetryConfig{
			MaxRetries: cfg.LLM.MaxRetries,
			MaxBackoff: cfg.RetryBackoff(),
		},
	})
	if err != nil {
		return fmt.Errorf("reasoning service: %w", err)
	}

	rt.connector = connector.NewManager(connector.Options{
		Registry: rt.registry,
		Policy:   pol,
		Logger:   logger,
		Version:  version,
	})
	rt.closers = append(rt.closers, func() { rt.connector.Close() })
	for _, s := range rt.connector.Start(ctx, cfg.Providers) {
		if s.State != connector.StateReady {
			logger.Warn("provider_unavailable", map[string]interface{}{"provider": s.Name, "error": s.Error})
		}
	}
	if _, statErr := os.Stat(opts.configPath); statErr == nil {
		watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
		watchDone := make(chan struct{})
		// the watcher may be mid-reload; it must finish before the connector closes
		rt.closers = append(rt.closers, func() {
			stopWatch()
			<-watchDone
		})
		path := opts.configPath
		go func() {
			defer close(watchDone)
			err := rt.connector.Watch(watchCtx, path, func() (map[string]config.ProviderConfig, error) {
				next, err := config.LoadFile(path)
				if err != nil {
					return nil, err
				}
				return next.Providers, nil
			})
			if err != nil {
				logger.Warn("config_watch_failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	rt.queue = approval.NewQueue()
	rt.closers = append(rt.closers, rt.queue.Cancel)
	rt.prompter = newApprovalPrompter(rt.queue, rt.term)

	out := opts.out
	if out == nil {
		out = os.Stdout
	}
	rt.printer = &printer{out: out, term: rt.term, stream: opts.stream}
	sinks := events.Multi{rt.printer}
	if cfg.Telemetry.NATSURL != "" {
		nats, closeNATS, err := events.ConnectNATS(cfg.Telemetry.NATSURL, cfg.Telemetry.Subject, logger)
		if err != nil {
			// event publishing is optional
			logger.Warn("nats_unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			rt.emitter = events.NewEmitter(0)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range rt.emitter.Events() {
					nats.Emit(ev)
				}
			}()
			rt.closers = append(rt.closers, func() {
				rt.emitter.Close()
				<-done
				closeNATS()
			})
			sinks = append(sinks, rt.emitter)
		}
	}

	mode := cfg.Agent.Mode
	if opts.mode != "" {
		mode = opts.mode
	}
	rt.graph, err = graph.New(graph.Options{
		Store:              rt.store,
		Registry:           rt.registry,
		Model:              model,
		Gate:               newGate(cfg, rt.queue),
		Policy:             pol,
		Events:             sinks,
		Logger:             logger,
		Prompts:            prompts.Loader{Dir: cfg.Agent.PromptsDir},
		ProviderContext:    rt.providerContext,
		Mode:               mode,
		MaxSteps:           cfg.Agent.MaxSteps,
		MaxConcurrentTools: cfg.Agent.MaxConcurrentTools,
		MaxTextChars:       cfg.Agent.MaxTextChars,
		MaxRecentTurns:     cfg.Agent.MaxRecentTurns,
		MaxTokens:          cfg.LLM.MaxTokens,
	})
	return err
}

// providerContext lists the tools of every connected provider for the system prompt.
func (rt *runtime) providerContext() string {
	return prompts.ProviderContext(providerTools(rt.registry.List()))
}

func providerTools(ds []tools.Descriptor) map[string][]string {
	byProvider := make(map[string][]string)
	for _, d := range ds {
		if d.Source == "" || d.Source == tools.SourceBuiltin {
			continue
		}
		byProvider[d.Source] = append(byProvider[d.Source], d.Name)
	}
	for _, names := range byProvider {
		sort.Strings(names)
	}
	return byProvider
}

// Close releases components in reverse order of creation.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// printer renders graph events. When streaming is off only approval notices
// are shown; results are printed once the instruction completes.
type printer struct {
	out    io.Writer
	term   *terminal
	stream bool
}

// Emit implements events.Sink.
func (p *printer) Emit(ev events.Event) {
	line := p.render(ev)
	if line == "" {
		return
	}
	p.term.mu.Lock()
	defer p.term.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func (p *printer) render(ev events.Event) string {
	str := func(key string) string {
		s, _ := ev.Data[key].(string)
		return s
	}
	switch ev.Kind {
	case events.KindError:
		return errorStyle.Render("error: " + str("error"))
	}
	if !p.stream {
		return ""
	}
	switch ev.Kind {
	case events.KindAssistantText:
		return renderAssistant(str("text"))
	case events.KindToolStart:
		return renderToolStart(str("tool"))
	case events.KindToolEnd:
		return renderToolEnd(str("tool"), str("status"), str("output"))
	case events.KindApprovalDecided:
		if action := str("action"); action == string(approval.ActionDeny) {
			return warnStyle.Render(fmt.Sprintf("✗ %s denied: %s", str("tool"), str("reason")))
		}
	}
	return ""
}

// describeError turns a run failure into an operator message.
func describeError(err error) string {
	switch {
	case errors.Is(err, graph.ErrInfrastructure):
		return "run failed (the thread can be resumed): " + strings.TrimPrefix(err.Error(), graph.ErrInfrastructure.Error()+": ")
	case errors.Is(err, graph.ErrThreadBusy):
		return "thread is busy in this process"
	}
	return err.Error()
}
