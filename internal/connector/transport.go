package connector

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/nexus/internal/config"
	"github.com/vinayprograms/nexus/internal/logging"
)

const protocolVersion = "2025-03-26"

// RemoteTool is a tool advertised by a provider during the handshake.
type RemoteTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// CallResult is the provider's answer to a tool invocation.
type CallResult struct {
	Content string
	IsError bool
}

// session is a handshaken connection to one provider.
type session interface {
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (CallResult, error)
	Done() <-chan struct{}
	Close() error
}

type dialFunc func(ctx context.Context, name string, cfg config.ProviderConfig) (session, error)

// dialTransport opens the configured transport and performs the initialize exchange.
func (m *Manager) dialTransport(ctx context.Context, name string, cfg config.ProviderConfig) (session, error) {
	logger := m.logger.WithComponent("connector." + name)
	var (
		f   framer
		err error
	)
	switch cfg.TransportName() {
	case "mcp":
		return dialMCP(ctx, cfg, m.version)
	case "stdio":
		f, err = spawn(cfg, logger)
	case "socket":
		f, err = dialSocket(ctx, cfg.Address)
	case "websocket":
		f, err = dialWebSocket(ctx, cfg.Address)
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	s := &rpcSession{rpc: newRPCClient(f, logger)}
	if err := s.initialize(ctx, m.version); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// processFramer talks to a child process over stdin/stdout.
type processFramer struct {
	*lineFramer
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

func spawn(cfg config.ProviderConfig, logger *logging.Logger) (*processFramer, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires a command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// io.Pipe lets Wait finish copying before the reader sees EOF
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = &stderrLog{logger: logger}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	p := &processFramer{
		lineFramer: newLineFramer(pr, stdin, nil),
		cmd:        cmd,
		stdin:      stdin,
		exited:     make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Debug("provider_exited", map[string]interface{}{"error": err.Error()})
		}
		pw.Close()
		close(p.exited)
	}()
	return p, nil
}

func (p *processFramer) Close() error {
	p.stdin.Close()
	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	<-p.exited
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.ExpandEnv(env[k]))
	}
	return out
}

type stderrLog struct {
	logger *logging.Logger
}

func (w *stderrLog) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("provider_stderr", map[string]interface{}{"line": line})
		}
	}
	return len(p), nil
}

// dialSocket connects to "host:port" or "unix:/path".
func dialSocket(ctx context.Context, address string) (framer, error) {
	network, addr := "tcp", address
	if strings.HasPrefix(address, "unix:") {
		network, addr = "unix", strings.TrimPrefix(address, "unix:")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return newLineFramer(conn, conn, conn), nil
}

func dialWebSocket(ctx context.Context, url string) (framer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsFramer{conn: conn}, nil
}

// rpcSession speaks the tool-provider protocol over a framed JSON-RPC link.
type rpcSession struct {
	rpc *rpcClient
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      clientInfo `json:"serverInfo"`
}

type toolsListResult struct {
	Tools      []RemoteTool `json:"tools"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func (s *rpcSession) initialize(ctx context.Context, version string) error {
	var res initializeResult
	err := s.rpc.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: "nexus", Version: version},
	}, &res)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return s.rpc.Notify("notifications/initialized", nil)
}

func (s *rpcSession) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var all []RemoteTool
	cursor := ""
	for {
		var params interface{}
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		var res toolsListResult
		if err := s.rpc.Call(ctx, "tools/list", params, &res); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

func (s *rpcSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var res toolsCallResult
	err := s.rpc.Call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	}, &res)
	if err != nil {
		return CallResult{}, err
	}
	var texts []string
	for _, c := range res.Content {
		if c.Type == "text" || c.Type == "" {
			texts = append(texts, c.Text)
		}
	}
	return CallResult{Content: strings.Join(texts, "\n"), IsError: res.IsError}, nil
}

func (s *rpcSession) Done() <-chan struct{} { return s.rpc.Done() }

func (s *rpcSession) Close() error { return s.rpc.Close() }
