package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vinayprograms/nexus/internal/config"
)

// mcpSession adapts an MCP client session.
type mcpSession struct {
	cs   *mcp.ClientSession
	done chan struct{}
}

func dialMCP(ctx context.Context, cfg config.ProviderConfig, version string) (session, error) {
	var transport mcp.Transport
	switch {
	case cfg.Address != "":
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.Address}
	case cfg.Command != "":
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = append(os.Environ(), envList(cfg.Env)...)
		transport = &mcp.CommandTransport{Command: cmd}
	default:
		return nil, fmt.Errorf("mcp transport requires a command or address")
	}
	return connectMCP(ctx, transport, version)
}

func connectMCP(ctx context.Context, transport mcp.Transport, version string) (*mcpSession, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "nexus", Version: version}, nil)
	// the session outlives the handshake context; the caller enforces the deadline
	cs, err := client.Connect(context.WithoutCancel(ctx), transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	s := &mcpSession{cs: cs, done: make(chan struct{})}
	go func() {
		cs.Wait()
		close(s.done)
	}()
	return s, nil
}

func (s *mcpSession) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var out []RemoteTool
	params := &mcp.ListToolsParams{}
	for {
		res, err := s.cs.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		for _, t := range res.Tools {
			out = append(out, RemoteTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaMap(t.InputSchema),
			})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// schemaMap normalizes whatever the SDK decoded into a plain JSON object.
func schemaMap(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		select {
		case <-s.done:
			return CallResult{}, fmt.Errorf("%w: %v", ErrProviderClosed, err)
		default:
		}
		return CallResult{}, err
	}
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			texts = append(texts, string(raw))
		}
	}
	return CallResult{Content: strings.Join(texts, "\n"), IsError: res.IsError}, nil
}

func (s *mcpSession) Done() <-chan struct{} { return s.done }

func (s *mcpSession) Close() error { return s.cs.Close() }
