// Package transport adapts the three MCP wire transports (stdio, SSE,
// streamable HTTP) behind a single Adapter capability set, built on
// github.com/mark3labs/mcp-go/client.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgw/gateway/internal/compliance"
)

// Kind names a supported transport.
type Kind string

const (
	KindStdio          Kind = "stdio"
	KindSSE            Kind = "sse"
	KindStreamableHTTP Kind = "streamable_http"
)

// Config describes how to reach one upstream MCP server.
type Config struct {
	Transport Kind
	// stdio
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
	// sse / streamable_http
	URL     string
	Headers map[string]string
}

// InitResult is the transport-neutral shape of an MCP initialize response,
// already passed through compliance.NormalizeInitializeResponse.
type InitResult struct {
	ProtocolVersion string
	ServerInfo      map[string]any
	Capabilities    map[string]any
	Instructions    string
	Raw             map[string]any
}

// Session is a live connection to one upstream MCP server.
type Session struct {
	kind   Kind
	client *client.Client
}

// Adapter implements open/initialize/list_tools/call/close for one
// transport kind.
type Adapter interface {
	Open(ctx context.Context, cfg Config) (*Session, error)
	Initialize(ctx context.Context, session *Session) (*InitResult, error)
	ListTools(ctx context.Context, session *Session) ([]compliance.ToolDefinition, error)
	Call(ctx context.Context, session *Session, method string, params map[string]any) (any, error)
	Close(ctx context.Context, session *Session) error
}

// clientName/clientVersion identify this gateway to upstream servers during
// the MCP handshake.
const (
	clientName    = "mcp-gateway"
	clientVersion = "0.1.0"
)

// transportError wraps any upstream I/O failure as an MCP transport error.
func transportError(op string, err error) error {
	return fmt.Errorf("%s: mcp transport error: %w", op, err)
}

// ForKind returns the Adapter implementation for a transport kind.
func ForKind(kind Kind) (Adapter, error) {
	switch kind {
	case KindStdio:
		return stdioAdapter{}, nil
	case KindSSE:
		return sseAdapter{}, nil
	case KindStreamableHTTP:
		return streamableHTTPAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q: mcp transport error", kind)
	}
}

type stdioAdapter struct{}

func (stdioAdapter) Open(ctx context.Context, cfg Config) (*Session, error) {
	var env []string
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	stdioTransport := transport.NewStdio(cfg.Command, env, cfg.Args...)
	mcpClient := client.NewClient(stdioTransport)
	if err := stdioTransport.Start(ctx); err != nil {
		return nil, transportError("stdio open", err)
	}
	return &Session{kind: KindStdio, client: mcpClient}, nil
}

func (stdioAdapter) Initialize(ctx context.Context, s *Session) (*InitResult, error) {
	return initializeSession(ctx, s)
}

func (stdioAdapter) ListTools(ctx context.Context, s *Session) ([]compliance.ToolDefinition, error) {
	return listTools(ctx, s)
}

func (stdioAdapter) Call(ctx context.Context, s *Session, method string, params map[string]any) (any, error) {
	return dispatchCall(ctx, s, method, params)
}

// Close closes the mcp-go client, which owns the child process, and waits
// at most 3s for that to return; past the deadline it returns a transport
// error. It sends no signal of its own and does not look for or terminate
// the child's descendant processes.
func (stdioAdapter) Close(ctx context.Context, s *Session) error {
	done := make(chan error, 1)
	go func() { done <- s.client.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return transportError("stdio close", err)
		}
		return nil
	case <-time.After(3 * time.Second):
		return fmt.Errorf("stdio close: mcp transport error: process did not exit within 3s")
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sseAdapter struct{}

func (sseAdapter) Open(ctx context.Context, cfg Config) (*Session, error) {
	var opts []transport.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHeaders(cfg.Headers))
	}
	sseClient, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, transportError("sse open", err)
	}
	if err := sseClient.Start(ctx); err != nil {
		return nil, transportError("sse open", err)
	}
	return &Session{kind: KindSSE, client: sseClient}, nil
}

func (sseAdapter) Initialize(ctx context.Context, s *Session) (*InitResult, error) {
	return initializeSession(ctx, s)
}

func (sseAdapter) ListTools(ctx context.Context, s *Session) ([]compliance.ToolDefinition, error) {
	return listTools(ctx, s)
}

func (sseAdapter) Call(ctx context.Context, s *Session, method string, params map[string]any) (any, error) {
	return dispatchCall(ctx, s, method, params)
}

func (sseAdapter) Close(_ context.Context, s *Session) error {
	if err := s.client.Close(); err != nil {
		return transportError("sse close", err)
	}
	return nil
}

type streamableHTTPAdapter struct{}

func (streamableHTTPAdapter) Open(ctx context.Context, cfg Config) (*Session, error) {
	var opts []transport.StreamableHTTPCOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
	}
	httpClient, err := client.NewStreamableHttpClient(cfg.URL, opts...)
	if err != nil {
		return nil, transportError("streamable_http open", err)
	}
	if err := httpClient.Start(ctx); err != nil {
		return nil, transportError("streamable_http open", err)
	}
	return &Session{kind: KindStreamableHTTP, client: httpClient}, nil
}

func (streamableHTTPAdapter) Initialize(ctx context.Context, s *Session) (*InitResult, error) {
	return initializeSession(ctx, s)
}

func (streamableHTTPAdapter) ListTools(ctx context.Context, s *Session) ([]compliance.ToolDefinition, error) {
	return listTools(ctx, s)
}

func (streamableHTTPAdapter) Call(ctx context.Context, s *Session, method string, params map[string]any) (any, error) {
	return dispatchCall(ctx, s, method, params)
}

func (streamableHTTPAdapter) Close(_ context.Context, s *Session) error {
	if err := s.client.Close(); err != nil {
		return transportError("streamable_http close", err)
	}
	return nil
}

func initializeSession(ctx context.Context, s *Session) (*InitResult, error) {
	result, err := s.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: compliance.LatestProtocolVersion,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		return nil, transportError("initialize", err)
	}

	raw, err := toMap(result)
	if err != nil {
		return nil, fmt.Errorf("initialize: mcp protocol error: %w", err)
	}
	normalized := compliance.NormalizeInitializeResponse(raw)

	serverInfo, _ := normalized["serverInfo"].(map[string]any)
	capabilities, _ := normalized["capabilities"].(map[string]any)
	protocolVersion, _ := normalized["protocolVersion"].(string)
	instructions, _ := normalized["instructions"].(string)

	return &InitResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo,
		Capabilities:    capabilities,
		Instructions:    instructions,
		Raw:             normalized,
	}, nil
}

func listTools(ctx context.Context, s *Session) ([]compliance.ToolDefinition, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, transportError("tools/list", err)
	}

	tools := make([]compliance.ToolDefinition, 0, len(result.Tools))
	for i, tool := range result.Tools {
		schema, err := toMap(tool.InputSchema)
		if err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		def := compliance.NormalizeTool(compliance.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}, i+1)
		tools = append(tools, def)
	}
	return tools, nil
}

// emptyListMethods are rewritten to an empty-list success when the upstream
// reports method not found, so clients that always probe resources keep
// working against tool-only servers.
var emptyListMethods = map[string]bool{
	"resources/list":           true,
	"resources/templates/list": true,
}

func dispatchCall(ctx context.Context, s *Session, method string, params map[string]any) (any, error) {
	result, err := call(ctx, s, method, params)
	if err != nil {
		if emptyListMethods[method] && isMethodNotFound(err) {
			return map[string]any{"resources": []any{}}, nil
		}
		if isMethodNotFound(err) {
			return nil, fmt.Errorf("%s: mcp protocol error: method not found: %w", method, err)
		}
		return nil, transportError(method, err)
	}
	return result, nil
}

func call(ctx context.Context, s *Session, method string, params map[string]any) (any, error) {
	switch method {
	case "initialize":
		return initializeSession(ctx, s)
	case "tools/list":
		return listTools(ctx, s)
	case "tools/call":
		name, _ := params["name"].(string)
		args, _ := params["arguments"].(map[string]any)
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		result, err := s.client.CallTool(ctx, req)
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case "resources/list":
		result, err := s.client.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case "resources/templates/list":
		result, err := s.client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case "resources/read":
		uri, _ := params["uri"].(string)
		req := mcp.ReadResourceRequest{}
		req.Params.URI = uri
		result, err := s.client.ReadResource(ctx, req)
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case "prompts/list":
		result, err := s.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case "prompts/get":
		name, _ := params["name"].(string)
		req := mcp.GetPromptRequest{}
		req.Params.Name = name
		result, err := s.client.GetPrompt(ctx, req)
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case "ping":
		return nil, s.client.Ping(ctx)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func isMethodNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "method not found")
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
