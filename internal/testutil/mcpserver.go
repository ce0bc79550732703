// Package testutil provides an in-process MCP server fixture for exercising
// the gateway's transport, service and proxy managers against a real
// mark3labs/mcp-go server rather than hand-rolled mocks.
package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server is a running streamable-HTTP MCP test server.
type Server struct {
	URL      string
	mcp      *server.MCPServer
	http     *server.StreamableHTTPServer
	listener net.Listener
}

// NewServer starts a streamable-HTTP MCP server on a random free port with a
// fixed set of demo tools (echo, greet, headers, clean_cursor) used
// across the gateway's integration tests.
func NewServer(name string) (*Server, error) {
	s := server.NewMCPServer(name, "1.0.0", server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("greet",
		mcp.WithDescription("Say hello to someone"),
		mcp.WithString("name", mcp.Required(), mcp.Description("name of the person to greet")),
	), greetHandler)

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo back the provided text"),
		mcp.WithString("text", mcp.Required()),
	), echoHandler)

	s.AddTool(mcp.NewTool("headers",
		mcp.WithDescription("return the HTTP headers the call arrived with"),
	), headersHandler)

	s.AddTool(mcp.NewTool("clean_cursor",
		mcp.WithDescription("echo whether a cursor argument was present"),
		mcp.WithString("next_cursor"),
	), cursorHandler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	streamable := server.NewStreamableHTTPServer(s, server.WithStreamableHTTPServer(httpServer))
	mux.Handle("/mcp", streamable)

	addr := ln.Addr().(*net.TCPAddr)
	url := "http://127.0.0.1:" + strconv.Itoa(addr.Port) + "/mcp"

	go func() {
		_ = httpServer.Serve(ln)
	}()

	return &Server{URL: url, mcp: s, http: streamable, listener: ln}, nil
}

// Close shuts the server down, waiting up to a second for in-flight requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func greetHandler(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Hello, %s!", name)), nil
}

func echoHandler(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func headersHandler(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var lines []string
	for k, v := range req.Header {
		lines = append(lines, fmt.Sprintf("%s: %v", k, v))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func cursorHandler(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	_, present := args["next_cursor"]
	return mcp.NewToolResultText(fmt.Sprintf("cursor_present=%t", present)), nil
}
