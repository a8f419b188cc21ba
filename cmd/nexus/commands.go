package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/nexus/internal/checkpoint"
	"github.com/vinayprograms/nexus/internal/config"
	"github.com/vinayprograms/nexus/internal/connector"
	"github.com/vinayprograms/nexus/internal/llm"
	"github.com/vinayprograms/nexus/internal/state"
	"github.com/vinayprograms/nexus/internal/tools"
)

// Run prints the last turns of a thread.
func (c *HistoryCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if c.Limit < 0 {
		return usage(errors.New("--limit must not be negative"))
	}
	store, err := openStore(cfg)
	if err != nil {
		return failure(err)
	}
	defer store.Close()

	st, err := store.Load(context.Background(), c.Thread)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return failure(fmt.Errorf("thread %s not found", c.Thread))
	}
	if err != nil {
		return failure(err)
	}
	return writeHistory(os.Stdout, st, c.Limit, c.Format)
}

// historyView is the exported shape of a thread.
type historyView struct {
	ThreadID string        `json:"thread_id" yaml:"thread_id"`
	Phase    string        `json:"phase" yaml:"phase"`
	Status   string        `json:"status" yaml:"status"`
	Mode     string        `json:"mode,omitempty" yaml:"mode,omitempty"`
	Revision int64         `json:"revision" yaml:"revision"`
	Step     int64         `json:"step" yaml:"step"`
	Marker   string        `json:"marker,omitempty" yaml:"marker,omitempty"`
	Total    int           `json:"total_turns" yaml:"total_turns"`
	Turns    []historyTurn `json:"turns" yaml:"turns"`
}

type historyTurn struct {
	Seq       int64         `json:"seq" yaml:"seq"`
	Role      string        `json:"role" yaml:"role"`
	Content   string        `json:"content,omitempty" yaml:"content,omitempty"`
	Calls     []historyCall `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	CallID    string        `json:"call_id,omitempty" yaml:"call_id,omitempty"`
	Tool      string        `json:"tool,omitempty" yaml:"tool,omitempty"`
	Status    string        `json:"status,omitempty" yaml:"status,omitempty"`
	CreatedAt time.Time     `json:"created_at" yaml:"created_at"`
}

type historyCall struct {
	ID   string                 `json:"id" yaml:"id"`
	Name string                 `json:"name" yaml:"name"`
	Args map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
}

func newHistoryView(st *state.ExecutionState, limit int) historyView {
	turns := st.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	v := historyView{
		ThreadID: st.ThreadID,
		Phase:    string(st.Phase),
		Status:   string(st.Status),
		Mode:     st.Mode,
		Revision: st.Revision,
		Step:     st.Step,
		Marker:   st.Marker,
		Total:    len(st.Turns),
		Turns:    make([]historyTurn, 0, len(turns)),
	}
	for _, t := range turns {
		ht := historyTurn{Seq: t.Seq, Role: string(t.Role), Content: t.Content, CreatedAt: t.CreatedAt.UTC()}
		for _, c := range t.ToolCalls {
			ht.Calls = append(ht.Calls, historyCall{ID: c.ID, Name: c.Name, Args: c.Args})
		}
		if t.Result != nil {
			ht.CallID = t.Result.CallID
			ht.Tool = t.Result.Name
			ht.Status = t.Result.Status
		}
		v.Turns = append(v.Turns, ht)
	}
	return v
}

// writeHistory renders the last limit turns (0 = all) in format.
func writeHistory(w io.Writer, st *state.ExecutionState, limit int, format string) error {
	v := newHistoryView(st, limit)
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintln(w, titleStyle.Render("thread "+st.ThreadID)+dimStyle.Render(
		fmt.Sprintf("  %s · %s · revision %d · %d of %d turns", st.Phase, st.Status, st.Revision, len(v.Turns), v.Total)))
	start := len(st.Turns) - len(v.Turns)
	for _, t := range st.Turns[start:] {
		fmt.Fprintln(w, renderTurn(t))
	}
	if st.Marker != "" {
		fmt.Fprintln(w, warnStyle.Render(st.Marker))
	}
	return nil
}

// Run lists saved threads.
func (c *ThreadsCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return failure(err)
	}
	defer store.Close()

	infos, err := store.List(context.Background())
	if err != nil {
		return failure(err)
	}
	switch c.Format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(infos)
	}
	renderThreads(os.Stdout, infos)
	return nil
}

// Run prints the effective configuration.
func (c *ConfigCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	return writeConfig(os.Stdout, cfg)
}

// writeConfig encodes cfg as TOML. API keys are never part of the config.
func writeConfig(w io.Writer, cfg *config.Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Run connects every configured provider and prints the outcome.
func (c *ProvidersCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return failure(err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := connector.NewManager(connector.Options{
		Registry: tools.NewRegistry(logger),
		Policy:   policyFor(cfg),
		Logger:   logger,
		Version:  version,
	})
	defer m.Close()
	renderStatuses(os.Stdout, m.Start(ctx, cfg.Providers))
	return nil
}

// Run lists catalogue models.
func (c *ModelsCmd) Run(g *Globals) error {
	provider := c.Provider
	if provider == "" && !c.All {
		cfg, err := loadConfig(g)
		if err != nil {
			return err
		}
		provider = cfg.LLM.Provider
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	models, err := llm.ListModels(ctx, provider)
	if err != nil {
		return failure(fmt.Errorf("fetching model catalogue: %w", err))
	}
	if len(models) == 0 {
		fmt.Println(dimStyle.Render("no models found for provider " + provider))
		return nil
	}
	for _, m := range models {
		reason := ""
		if m.CanReason {
			reason = dimStyle.Render(" reasoning")
		}
		fmt.Printf("%-45s %-12s %8dk ctx  $%.2f/$%.2f per 1M%s\n",
			titleStyle.Render(m.ID), m.Provider, m.ContextWindow/1000, m.CostPer1MIn, m.CostPer1MOut, reason)
	}
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("nexus version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
