// Package tools provides the tool registry and built-in tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vinayprograms/nexus/internal/logging"
)

var (
	// ErrNotFound is returned by Lookup for an unregistered name.
	ErrNotFound = errors.New("tool not found")
	// ErrInvalidArguments wraps schema validation failures.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// SourceBuiltin marks in-process tools.
const SourceBuiltin = "builtin"

// Handler executes a tool. A returned error is a tool failure, reported to
// the model as a structured error result.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Descriptor binds a tool name and schema to its handler.
type Descriptor struct {
	Name             string
	Description      string
	Parameters       map[string]interface{} // JSON schema (object)
	RequiresApproval bool
	ReadOnly         bool   // no side effects outside the process
	Source           string // "builtin" or the external provider name
	Handler          Handler

	schema *jsonschema.Schema
}

// Definition is the model-facing view of a descriptor.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Definition returns the model-facing view.
func (d Descriptor) Definition() Definition {
	return Definition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,127}$`)

// ValidateName checks a tool name is usable with every model provider.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	return nil
}

// ValidateArgs checks args against the descriptor schema.
func (d Descriptor) ValidateArgs(args map[string]interface{}) error {
	if d.schema == nil {
		return nil
	}
	// normalize to plain JSON values
	var doc interface{}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := d.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Registry holds all registered tools. Names are unique; registering an
// existing name replaces the previous descriptor.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Descriptor
	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		tools:  make(map[string]Descriptor),
		logger: logger.WithComponent("tools"),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(d Descriptor) error {
	d, err := prepare(d)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(d)
	return nil
}

func prepare(d Descriptor) (Descriptor, error) {
	if err := ValidateName(d.Name); err != nil {
		return d, err
	}
	if d.Handler == nil {
		return d, fmt.Errorf("tool %s missing handler", d.Name)
	}
	if d.Source == "" {
		d.Source = SourceBuiltin
	}
	s, err := compileSchema(d.Parameters)
	if err != nil {
		return d, fmt.Errorf("tool %s schema: %w", d.Name, err)
	}
	d.schema = s
	return d, nil
}

// put must be called with r.mu held.
func (r *Registry) put(d Descriptor) {
	if prev, ok := r.tools[d.Name]; ok {
		r.logger.Info("tool_replaced", map[string]interface{}{
			"tool":       d.Name,
			"old_source": prev.Source,
			"new_source": d.Source,
		})
	} else {
		r.logger.Debug("tool_registered", map[string]interface{}{
			"tool":   d.Name,
			"source": d.Source,
		})
	}
	r.tools[d.Name] = d
}

// ReplaceSource swaps every tool owned by source for ds in one step. Tools
// the source no longer advertises are removed.
func (r *Registry) ReplaceSource(source string, ds []Descriptor) error {
	prepared := make([]Descriptor, 0, len(ds))
	for _, d := range ds {
		d.Source = source
		p, err := prepare(d)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	keep := make(map[string]bool, len(prepared))
	for _, d := range prepared {
		keep[d.Name] = true
	}
	for name, d := range r.tools {
		if d.Source == source && !keep[name] {
			delete(r.tools, name)
			r.logger.Info("tool_removed", map[string]interface{}{"tool": name, "source": source})
		}
	}
	for _, d := range prepared {
		r.put(d)
	}
	return nil
}

// RemoveSource drops every tool owned by source.
func (r *Registry) RemoveSource(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, d := range r.tools {
		if d.Source == source {
			delete(r.tools, name)
			n++
		}
	}
	if n > 0 {
		r.logger.Info("tools_removed", map[string]interface{}{"source": source, "count": n})
	}
	return n
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns model-facing definitions for the given descriptors.
func Definitions(ds []Descriptor) []Definition {
	defs := make([]Definition, len(ds))
	for i, d := range ds {
		defs[i] = d.Definition()
	}
	return defs
}

// PlansDir is the only directory architect mode may write to.
const PlansDir = "plans"

// ForMode filters descriptors for an agent mode: "ask" sees read-only tools,
// "architect" additionally gets write_file restricted to PlansDir, "code"
// sees everything.
func ForMode(ds []Descriptor, mode string) []Descriptor {
	if mode == "" || mode == "code" {
		return ds
	}
	var out []Descriptor
	for _, d := range ds {
		switch {
		case d.ReadOnly:
			out = append(out, d)
		case mode == "architect" && d.Name == "write_file" && (d.Source == "" || d.Source == SourceBuiltin):
			out = append(out, plansOnly(d))
		}
	}
	return out
}

func plansOnly(d Descriptor) Descriptor {
	next := d.Handler
	d.Description += " In architect mode only paths under " + PlansDir + "/ are writable."
	d.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		p, _ := args["path"].(string)
		clean := filepath.ToSlash(filepath.Clean(p))
		if !strings.HasPrefix(clean, PlansDir+"/") {
			return nil, fmt.Errorf("architect mode may only write under %s/, got %q", PlansDir, p)
		}
		return next(ctx, args)
	}
	return d
}

func compileSchema(params map[string]interface{}) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// FormatOutput renders a handler result as text for the model.
func FormatOutput(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
