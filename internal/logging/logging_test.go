package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOptions(&buf, "text", LevelWarn)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info should be filtered at WARN: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn should be written: %s", out)
	}
}

func TestLogger_ComponentAndFieldsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOptions(&buf, "json", LevelDebug).WithComponent("graph").WithThread("t1")

	l.Info("step", map[string]interface{}{"n": 3})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "graph" {
		t.Errorf("expected component graph, got %v", entry["component"])
	}
	if entry["thread"] != "t1" {
		t.Errorf("expected thread t1, got %v", entry["thread"])
	}
	if entry["n"] != float64(3) {
		t.Errorf("expected n=3, got %v", entry["n"])
	}
}

func TestLogger_SetLevelSharedByDerived(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithOptions(&buf, "text", LevelInfo)
	child := root.WithComponent("tools")

	root.SetLevel(LevelDebug)
	child.Debug("visible")

	if !strings.Contains(buf.String(), "visible") {
		t.Error("derived logger should follow parent level")
	}
}

func TestLogger_ToolResultErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOptions(&buf, "text", LevelInfo)

	l.ToolResult("bash", time.Second, nil)
	if buf.Len() != 0 {
		t.Errorf("successful result is debug-only, got %s", buf.String())
	}
	l.ToolResult("bash", time.Second, errors.New("exit 1"))
	if !strings.Contains(buf.String(), "tool_error") {
		t.Errorf("failed result should log tool_error, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{"debug": LevelDebug, "WARN": LevelWarn, "error": LevelError, "": LevelInfo}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
