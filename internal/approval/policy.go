package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"
)

// Policy classifies tools. Patterns are doublestar globs over tool names,
// e.g. "files.read_*" or "*.delete*".
type Policy struct {
	SafeTools  []string // never gated
	AlwaysGate []string // always gated and classified high risk
	HighRisk   []string // classified high risk
}

// DefaultHighRisk names tools that run arbitrary commands.
var DefaultHighRisk = []string{"bash", "*.exec*", "*.shell*", "*.run*"}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// RequiresApproval resolves the gating flag for a tool. gateByDefault is the
// tool source's own default (side-effecting builtins and every external tool).
func (p Policy) RequiresApproval(name string, gateByDefault bool) bool {
	if matchAny(p.AlwaysGate, name) {
		return true
	}
	if matchAny(p.SafeTools, name) {
		return false
	}
	return gateByDefault
}

// Classify returns the risk level of a call.
func (p Policy) Classify(name string, readOnly bool) Risk {
	switch {
	case matchAny(p.AlwaysGate, name), matchAny(p.HighRisk, name):
		return RiskHigh
	case readOnly:
		return RiskLow
	default:
		return RiskMedium
	}
}

// AutoApprove allows every request. Used when approval is disabled.
type AutoApprove struct{}

// Name returns "auto".
func (AutoApprove) Name() string { return "auto" }

// Request always allows.
func (AutoApprove) Request(ctx context.Context, req Request) (Decision, error) {
	return Allow("auto", "approval not required"), nil
}

// DenyRisk denies requests at or above a risk level without asking.
type DenyRisk struct {
	Level Risk
}

// Name returns "risk".
func (DenyRisk) Name() string { return "risk" }

// Request denies requests at the configured level.
func (g DenyRisk) Request(ctx context.Context, req Request) (Decision, error) {
	if rank(req.Risk) >= rank(g.Level) {
		return Deny("risk", fmt.Sprintf("%s risk calls are denied by policy", req.Risk)), nil
	}
	return Allow("risk", "below risk threshold"), nil
}

func rank(r Risk) int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

// RateLimit denies a tool once it exceeds a per-minute budget.
type RateLimit struct {
	PerMinute int

	mu     sync.Mutex
	byTool map[string]*rate.Limiter
}

// NewRateLimit creates a limiter gate; perMinute <= 0 disables it.
func NewRateLimit(perMinute int) *RateLimit {
	return &RateLimit{PerMinute: perMinute, byTool: make(map[string]*rate.Limiter)}
}

// Name returns "limits".
func (r *RateLimit) Name() string { return "limits" }

// Request consumes one token for the tool.
func (r *RateLimit) Request(ctx context.Context, req Request) (Decision, error) {
	if r.PerMinute <= 0 {
		return Allow(r.Name(), "unlimited"), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byTool[req.Tool]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.PerMinute)), r.PerMinute)
		r.byTool[req.Tool] = l
	}
	if !l.Allow() {
		return Deny(r.Name(), "Rate limit exceeded"), nil
	}
	return Allow(r.Name(), "within rate limit"), nil
}
