package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSystem_Defaults(t *testing.T) {
	var l Loader
	for _, mode := range Modes {
		p, err := l.System(mode)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if !strings.Contains(p, "Mode: "+mode) {
			t.Errorf("%s prompt missing mode line", mode)
		}
	}
	if _, err := l.System("yolo"); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestSystem_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ask.md"), []byte("custom ask prompt"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "code.md"), []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}
	l := Loader{Dir: dir}

	p, _ := l.System("ask")
	if p != "custom ask prompt" {
		t.Errorf("override not applied: %q", p)
	}
	p, _ = l.System("code")
	if !strings.Contains(p, "Mode: code") {
		t.Error("blank override should fall back to the default")
	}
	p, _ = l.System("architect")
	if !strings.Contains(p, "plans/") {
		t.Error("missing override should fall back to the default")
	}
}

func TestProviderContext(t *testing.T) {
	if ProviderContext(nil) != "" {
		t.Error("no providers, no context")
	}
	got := ProviderContext(map[string][]string{
		"web": {"web.fetch"},
		"db":  {"db.query", "db.schema"},
	})
	if strings.Index(got, "- db:") > strings.Index(got, "- web:") {
		t.Errorf("providers should be sorted: %q", got)
	}
	if !strings.Contains(got, "db.query, db.schema") {
		t.Errorf("unexpected context %q", got)
	}
}

func TestValidMode(t *testing.T) {
	if !ValidMode("architect") || ValidMode("") {
		t.Error("ValidMode mismatch")
	}
}
