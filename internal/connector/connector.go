// Package connector manages external tool providers and feeds their tools
// into the registry.
package connector

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/nexus/internal/approval"
	"github.com/vinayprograms/nexus/internal/config"
	"github.com/vinayprograms/nexus/internal/logging"
	"github.com/vinayprograms/nexus/internal/tools"
)

var (
	// ErrHandshakeTimeout marks a provider that did not finish the handshake in time.
	ErrHandshakeTimeout = errors.New("provider handshake timed out")
	// ErrProviderClosed is returned for calls on a disconnected provider.
	ErrProviderClosed = errors.New("provider connection closed")
	// ErrCallTimeout is returned when a provider does not answer within its call timeout.
	ErrCallTimeout = errors.New("provider call timed out")

	errClosedLocally = errors.New("closed by client")
)

// State is the lifecycle state of a provider connection.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Status is a snapshot of one provider connection.
type Status struct {
	Name      string   `json:"name" yaml:"name"`
	Transport string   `json:"transport" yaml:"transport"`
	State     State    `json:"state" yaml:"state"`
	Tools     []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Connection is the live handle for one provider.
type Connection struct {
	name string
	cfg  config.ProviderConfig

	mu    sync.RWMutex
	state State
	err   error
	tools []string
	sess  session
}

func (c *Connection) status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{
		Name:      c.name,
		Transport: c.cfg.TransportName(),
		State:     c.state,
		Tools:     append([]string(nil), c.tools...),
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

func (c *Connection) setState(state State, err error) {
	c.mu.Lock()
	c.state = state
	c.err = err
	c.mu.Unlock()
}

func (c *Connection) session() (session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady || c.sess == nil {
		if c.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProviderClosed, c.name, c.err)
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrProviderClosed, c.name, c.state)
	}
	return c.sess, nil
}

// Options configures a Manager.
type Options struct {
	Registry *tools.Registry
	Policy   approval.Policy
	Logger   *logging.Logger
	Version  string
}

// Manager owns every provider connection. It is the only writer of
// provider-sourced registry entries.
type Manager struct {
	registry *tools.Registry
	policy   approval.Policy
	logger   *logging.Logger
	version  string
	dial     dialFunc

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager creates a Manager with no connections.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	m := &Manager{
		registry: opts.Registry,
		policy:   opts.Policy,
		logger:   logger.WithComponent("connector"),
		version:  version,
		conns:    make(map[string]*Connection),
	}
	m.dial = m.dialTransport
	return m
}

// Start connects every configured provider concurrently. Individual failures
// leave that provider failed and are reported in the returned statuses.
func (m *Manager) Start(ctx context.Context, providers map[string]config.ProviderConfig) []Status {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range sortedNames(providers) {
		name, cfg := name, providers[name]
		g.Go(func() error {
			m.Connect(gctx, name, cfg)
			return nil
		})
	}
	g.Wait()
	return m.Statuses()
}

// Connect (re)connects one provider. Any previous connection with the same
// name is closed first and its tools replaced wholesale on success.
func (m *Manager) Connect(ctx context.Context, name string, cfg config.ProviderConfig) error {
	conn := &Connection{name: name, cfg: cfg, state: StateConnecting}

	m.mu.Lock()
	prev := m.conns[name]
	m.conns[name] = conn
	m.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	m.logger.Info("provider_connecting", map[string]interface{}{
		"provider":  name,
		"transport": cfg.TransportName(),
	})

	timeout := cfg.Handshake()
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, remote, err := m.handshake(hctx, name, cfg)
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
		}
		return m.fail(conn, err)
	}

	descs := m.descriptors(conn, remote)
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}

	// m.mu is held until conn is ready so Close, Disconnect or a newer
	// Connect either see the live session or make this one stale.
	m.mu.Lock()
	if !m.owns(conn) {
		m.mu.Unlock()
		sess.Close()
		m.logger.Debug("provider_superseded", map[string]interface{}{"provider": name})
		return fmt.Errorf("provider %s: %w", name, ErrProviderClosed)
	}
	if m.registry != nil {
		if err := m.registry.ReplaceSource(name, descs); err != nil {
			m.mu.Unlock()
			sess.Close()
			return m.fail(conn, err)
		}
	}
	conn.mu.Lock()
	conn.sess = sess
	conn.tools = names
	conn.state = StateReady
	conn.err = nil
	conn.mu.Unlock()
	m.mu.Unlock()

	go m.monitor(conn, sess)

	m.logger.Info("provider_ready", map[string]interface{}{
		"provider": name,
		"tools":    len(names),
	})
	return nil
}

func (m *Manager) handshake(ctx context.Context, name string, cfg config.ProviderConfig) (session, []RemoteTool, error) {
	type result struct {
		sess   session
		remote []RemoteTool
		err    error
	}
	// dialers that ignore ctx still cannot hold the handshake past its deadline
	ch := make(chan result, 1)
	go func() {
		sess, err := m.dial(ctx, name, cfg)
		if err != nil {
			ch <- result{err: err}
			return
		}
		remote, err := sess.ListTools(ctx)
		if err != nil {
			sess.Close()
			ch <- result{err: err}
			return
		}
		ch <- result{sess: sess, remote: remote}
	}()
	select {
	case r := <-ch:
		return r.sess, r.remote, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				r.sess.Close()
			}
		}()
		return nil, nil, ctx.Err()
	}
}

// owns reports whether conn is still the tracked, connecting connection for
// its name. m.mu must be held.
func (m *Manager) owns(conn *Connection) bool {
	if m.conns[conn.name] != conn {
		return false
	}
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.state == StateConnecting
}

// fail marks conn failed. The registry is only touched while conn is the
// tracked connection; a superseded one must not remove its successor's tools.
func (m *Manager) fail(conn *Connection, err error) error {
	m.mu.Lock()
	if m.owns(conn) {
		conn.setState(StateFailed, err)
		if m.registry != nil {
			m.registry.RemoveSource(conn.name)
		}
	}
	m.mu.Unlock()
	m.logger.Warn("provider_failed", map[string]interface{}{
		"provider": conn.name,
		"error":    err.Error(),
	})
	return fmt.Errorf("provider %s: %w", conn.name, err)
}

// monitor marks a ready connection failed when its transport goes away.
// The tools stay registered so calls fail as tool errors.
func (m *Manager) monitor(conn *Connection, sess session) {
	<-sess.Done()
	conn.mu.Lock()
	lost := conn.state == StateReady && conn.sess == sess
	if lost {
		conn.state = StateFailed
		conn.err = ErrProviderClosed
	}
	conn.mu.Unlock()
	if lost {
		m.logger.Warn("provider_disconnected", map[string]interface{}{"provider": conn.name})
	}
}

func (m *Manager) descriptors(conn *Connection, remote []RemoteTool) []tools.Descriptor {
	cfg := conn.cfg
	var out []tools.Descriptor
	for _, rt := range remote {
		local := rt.Name
		if !cfg.NoPrefix {
			local = conn.name + "." + rt.Name
		}
		if matchAny(cfg.DeniedTools, rt.Name) || matchAny(cfg.DeniedTools, local) {
			m.logger.Debug("tool_denied", map[string]interface{}{"provider": conn.name, "tool": rt.Name})
			continue
		}
		if err := tools.ValidateName(local); err != nil {
			m.logger.Warn("tool_skipped", map[string]interface{}{"provider": conn.name, "error": err.Error()})
			continue
		}
		safe := matchAny(cfg.SafeTools, rt.Name) || matchAny(cfg.SafeTools, local)
		out = append(out, tools.Descriptor{
			Name:             local,
			Description:      rt.Description,
			Parameters:       rt.InputSchema,
			RequiresApproval: m.policy.RequiresApproval(local, !safe),
			ReadOnly:         safe,
			Source:           conn.name,
			Handler:          m.forward(conn, rt.Name),
		})
	}
	return out
}

// forward builds the handler that relays one tool call to the provider.
func (m *Manager) forward(conn *Connection, remote string) tools.Handler {
	timeout := conn.cfg.CallDeadline()
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		sess, err := conn.session()
		if err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := sess.CallTool(cctx, remote, args)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(cctx.Err(), context.DeadlineExceeded):
				return nil, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
			}
			select {
			case <-sess.Done():
				if !errors.Is(err, ErrProviderClosed) {
					err = fmt.Errorf("%w: %v", ErrProviderClosed, err)
				}
			default:
			}
			return nil, err
		}
		if res.IsError {
			return nil, errors.New(res.Content)
		}
		return res.Content, nil
	}
}

// Disconnect closes a provider and removes its tools.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	conn := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if conn == nil {
		return
	}
	conn.close()
	if m.registry != nil {
		m.registry.RemoveSource(name)
	}
	m.logger.Info("provider_closed", map[string]interface{}{"provider": name})
}

func (c *Connection) close() error {
	c.mu.Lock()
	sess := c.sess
	c.state = StateClosed
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Reload applies a new provider set: removed providers are closed, new or
// changed ones are (re)connected, unchanged ones are left alone.
func (m *Manager) Reload(ctx context.Context, providers map[string]config.ProviderConfig) []Status {
	m.mu.Lock()
	var removed, changed []string
	for name, conn := range m.conns {
		cfg, ok := providers[name]
		switch {
		case !ok:
			removed = append(removed, name)
		case !reflect.DeepEqual(conn.cfg, cfg):
			changed = append(changed, name)
		}
	}
	for name := range providers {
		if _, ok := m.conns[name]; !ok {
			changed = append(changed, name)
		}
	}
	m.mu.Unlock()

	for _, name := range removed {
		m.Disconnect(name)
	}
	sort.Strings(changed)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range changed {
		name, cfg := name, providers[name]
		g.Go(func() error {
			m.Connect(gctx, name, cfg)
			return nil
		})
	}
	g.Wait()
	return m.Statuses()
}

// Statuses returns a snapshot of every connection, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	out := make([]Status, len(conns))
	for i, c := range conns {
		out[i] = c.status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close shuts every connection down. Outstanding calls fail with ErrProviderClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var errs []error
	for name, c := range conns {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		if m.registry != nil {
			m.registry.RemoveSource(name)
		}
	}
	return errors.Join(errs...)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func sortedNames(providers map[string]config.ProviderConfig) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
