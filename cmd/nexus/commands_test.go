package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/nexus/internal/checkpoint"
	"github.com/vinayprograms/nexus/internal/config"
	"github.com/vinayprograms/nexus/internal/events"
	"github.com/vinayprograms/nexus/internal/state"
)

func sampleThread() *state.ExecutionState {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := state.New("t1", "code", now)
	st.Append(state.Turn{Role: state.RoleUser, Content: "create a.txt", CreatedAt: now})
	st.Append(state.Turn{
		Role:      state.RoleAssistant,
		ToolCalls: []state.ToolCall{{ID: "c1", Name: "write_file", Args: map[string]interface{}{"path": "a.txt"}}},
		CreatedAt: now,
	})
	st.Append(state.Turn{
		Role:      state.RoleTool,
		Content:   "denied by operator",
		Result:    &state.ToolResult{CallID: "c1", Name: "write_file", Content: "denied by operator", IsError: true, Status: state.ResultDenied},
		CreatedAt: now,
	})
	st.Append(state.Turn{Role: state.RoleAssistant, Content: "The write was denied.", CreatedAt: now})
	st.Phase = state.PhaseTerminal
	st.Status = state.StatusFinished
	st.Revision = 5
	st.Step = 5
	return st
}

func TestWriteHistory_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHistory(&buf, sampleThread(), 2, "json"); err != nil {
		t.Fatal(err)
	}
	var v historyView
	if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, buf.String())
	}
	if v.Total != 4 || len(v.Turns) != 2 {
		t.Fatalf("expected last 2 of 4 turns, got %d of %d", len(v.Turns), v.Total)
	}
	if v.Turns[0].Seq != 3 || v.Turns[0].Status != state.ResultDenied || v.Turns[0].CallID != "c1" {
		t.Errorf("unexpected tool turn %+v", v.Turns[0])
	}
	if v.Phase != "TERMINAL" || v.Revision != 5 {
		t.Errorf("unexpected header %+v", v)
	}
}

func TestWriteHistory_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHistory(&buf, sampleThread(), 0, "yaml"); err != nil {
		t.Fatal(err)
	}
	var v historyView
	if err := yaml.Unmarshal(buf.Bytes(), &v); err != nil {
		t.Fatalf("invalid yaml: %v\n%s", err, buf.String())
	}
	if len(v.Turns) != 4 {
		t.Fatalf("limit 0 should export every turn, got %d", len(v.Turns))
	}
	if got := v.Turns[1].Calls; len(got) != 1 || got[0].Name != "write_file" {
		t.Errorf("tool calls not exported: %+v", got)
	}
}

func TestWriteHistory_Text(t *testing.T) {
	st := sampleThread()
	st.Status = state.StatusTruncated
	st.Marker = state.MarkerTruncated

	var buf bytes.Buffer
	if err := writeHistory(&buf, st, 1, "text"); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, want := range []string{"thread t1", "1 of 4 turns", "The write was denied.", state.MarkerTruncated} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "create a.txt") {
		t.Error("turns outside the limit should not be printed")
	}
}

func TestWriteConfig(t *testing.T) {
	var buf bytes.Buffer
	if err := writeConfig(&buf, config.New()); err != nil {
		t.Fatal(err)
	}
	var cfg config.Config
	if _, err := toml.Decode(buf.String(), &cfg); err != nil {
		t.Fatalf("config output is not valid TOML: %v", err)
	}
	if cfg.Agent.MaxSteps != 25 || cfg.Storage.Backend != "sqlite" {
		t.Errorf("unexpected round trip %+v", cfg)
	}
}

func TestOpenStore(t *testing.T) {
	for _, backend := range []string{"sqlite", "file"} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.New()
			cfg.Storage.Path = t.TempDir()
			cfg.Storage.Backend = backend

			store, err := openStore(cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer store.Close()

			ctx := context.Background()
			st := state.New("t1", "code", time.Now().UTC())
			st.Revision = 1
			if err := store.Save(ctx, st); err != nil {
				t.Fatal(err)
			}
			infos, err := store.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(infos) != 1 || infos[0].ThreadID != "t1" {
				t.Errorf("unexpected listing %+v", infos)
			}
			if _, err := store.Load(ctx, "missing"); !errors.Is(err, checkpoint.ErrNotFound) {
				t.Errorf("expected not found, got %v", err)
			}
		})
	}
}

func TestPrinter_Render(t *testing.T) {
	ev := func(kind events.Kind, data map[string]interface{}) events.Event {
		return events.Event{Kind: kind, ThreadID: "t1", Data: data}
	}
	tests := []struct {
		name   string
		stream bool
		ev     events.Event
		want   string
	}{
		{"text streamed", true, ev(events.KindAssistantText, map[string]interface{}{"text": "hello"}), "hello"},
		{"text buffered", false, ev(events.KindAssistantText, map[string]interface{}{"text": "hello"}), ""},
		{"tool start", true, ev(events.KindToolStart, map[string]interface{}{"tool": "bash"}), "▸ bash"},
		{"tool end", true, ev(events.KindToolEnd, map[string]interface{}{"tool": "bash", "status": "ok", "output": "done"}), "done"},
		{"denied", true, ev(events.KindApprovalDecided, map[string]interface{}{"tool": "bash", "action": "deny", "reason": "nope"}), "bash denied: nope"},
		{"allowed is quiet", true, ev(events.KindApprovalDecided, map[string]interface{}{"tool": "bash", "action": "allow"}), ""},
		{"errors always shown", false, ev(events.KindError, map[string]interface{}{"error": "store down"}), "error: store down"},
		{"transitions are quiet", true, ev(events.KindTransition, nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &printer{stream: tt.stream}
			got := p.render(tt.ev)
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected nothing, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderOutcome(t *testing.T) {
	st := sampleThread()
	if got := renderOutcome(st); !strings.Contains(got, "finished · step 5") {
		t.Errorf("got %q", got)
	}
	st.Status = state.StatusCancelled
	st.Marker = state.MarkerCancelled
	if got := renderOutcome(st); !strings.Contains(got, state.MarkerCancelled) {
		t.Errorf("got %q", got)
	}
}

func TestClip(t *testing.T) {
	in := strings.Repeat("line\n", 20)
	got := clip(in, 3)
	if !strings.HasSuffix(got, "… 17 more lines") {
		t.Errorf("got %q", got)
	}
	if clip("a\nb\n", 3) != "a\nb" {
		t.Error("short output should be kept")
	}
}
