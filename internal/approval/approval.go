// Package approval decides whether a proposed tool call may run.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action is the operator's verdict.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionModify Action = "modify"
)

// Risk is the classification attached to a request.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Request describes one gated tool call.
type Request struct {
	CallID   string
	ThreadID string
	Tool     string
	Args     map[string]interface{}
	Risk     Risk
}

// Decision is the outcome of a request. Args is set only for modify.
type Decision struct {
	Action Action
	Args   map[string]interface{}
	Reason string
	Source string
}

// Allowed reports whether the call may proceed (allow or modify).
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow || d.Action == ActionModify
}

// Allow builds an allow decision.
func Allow(source, reason string) Decision {
	return Decision{Action: ActionAllow, Reason: reason, Source: source}
}

// Deny builds a deny decision.
func Deny(source, reason string) Decision {
	return Decision{Action: ActionDeny, Reason: reason, Source: source}
}

// Modify builds a modify decision carrying replacement arguments.
func Modify(source string, args map[string]interface{}) Decision {
	return Decision{Action: ActionModify, Args: args, Reason: "arguments modified", Source: source}
}

// Gate returns a decision for a request, blocking until one is available.
type Gate interface {
	Name() string
	Request(ctx context.Context, req Request) (Decision, error)
}

// Func adapts a function to a Gate.
type Func struct {
	Label string
	Fn    func(ctx context.Context, req Request) (Decision, error)
}

// Name returns the label.
func (f Func) Name() string { return f.Label }

// Request calls the function.
func (f Func) Request(ctx context.Context, req Request) (Decision, error) {
	return f.Fn(ctx, req)
}

// Resolve asks gate for a decision and closes every failure path: errors,
// malformed decisions and cancellation all become deny.
func Resolve(ctx context.Context, gate Gate, req Request) Decision {
	if gate == nil {
		return Deny("none", "no approval gate configured")
	}
	d, err := gate.Request(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Deny(gate.Name(), "approval interrupted: "+err.Error())
		}
		return Deny(gate.Name(), fmt.Sprintf("approval failed: %v", err))
	}
	switch d.Action {
	case ActionAllow, ActionDeny:
	case ActionModify:
		if d.Args == nil {
			return Deny(gate.Name(), "modify decision without arguments")
		}
	default:
		return Deny(gate.Name(), fmt.Sprintf("unknown decision %q", d.Action))
	}
	if d.Source == "" {
		d.Source = gate.Name()
	}
	return d
}

// Timeout bounds how long the wrapped gate may take. Expiry is a denial.
type Timeout struct {
	Gate  Gate
	After time.Duration
}

// Name returns the wrapped gate name.
func (t Timeout) Name() string { return t.Gate.Name() }

// Request waits for the wrapped gate or the deadline, whichever comes first.
func (t Timeout) Request(ctx context.Context, req Request) (Decision, error) {
	if t.After <= 0 {
		return t.Gate.Request(ctx, req)
	}
	tctx, cancel := context.WithTimeout(ctx, t.After)
	defer cancel()

	type result struct {
		d   Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := t.Gate.Request(tctx, req)
		done <- result{d, err}
	}()

	select {
	case r := <-done:
		if tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return Deny(t.Name(), "approval timeout"), nil
		}
		return r.d, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return Deny(t.Name(), "approval cancelled"), nil
		}
		return Deny(t.Name(), "approval timeout"), nil
	}
}

// Chain runs gates in order. A deny stops the chain; a modify replaces the
// arguments seen by later gates.
type Chain []Gate

// Name returns "chain".
func (c Chain) Name() string { return "chain" }

// Request runs every gate until one denies.
func (c Chain) Request(ctx context.Context, req Request) (Decision, error) {
	final := Allow(c.Name(), "approved")
	for _, g := range c {
		d, err := g.Request(ctx, req)
		if err != nil {
			return Deny(g.Name(), err.Error()), err
		}
		if d.Source == "" {
			d.Source = g.Name()
		}
		switch d.Action {
		case ActionDeny:
			return d, nil
		case ActionModify:
			req.Args = d.Args
			final = d
		case ActionAllow:
			if final.Action != ActionModify {
				final = d
			}
		default:
			return Deny(g.Name(), fmt.Sprintf("unknown decision %q", d.Action)), nil
		}
	}
	return final, nil
}
