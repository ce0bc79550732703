// Package convert implements the protocol converter: a one-shot bridge
// between any source MCP transport and any target transport, including
// tool-argument cleanup and conversion-error wrapping.
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcpgw/gateway/internal/compliance"
	"github.com/mcpgw/gateway/internal/transport"
)

// cursorSuffixes are the exact key names treated as cursor-like regardless
// of substring match.
var cursorSuffixes = map[string]bool{
	"start_cursor": true,
	"end_cursor":   true,
	"next_cursor":  true,
}

// CleanToolArguments recursively drops any key that looks like a pagination
// cursor (contains "cursor" case-insensitively, or is one of the exact
// start/end/next cursor names) when its value is an empty or
// whitespace-only string. This undoes the common "pass empty string to mean
// unset" anti-pattern before forwarding a tools/call upstream.
func CleanToolArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		if isCursorKey(key) {
			if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
				continue
			}
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = CleanToolArguments(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func isCursorKey(key string) bool {
	if cursorSuffixes[key] {
		return true
	}
	return strings.Contains(strings.ToLower(key), "cursor")
}

// FormatForTarget renders a JSON-RPC response for delivery on the target
// transport: one SSE "data:" frame, or a single JSON frame for stdio and
// streamable_http.
func FormatForTarget(target transport.Kind, response *compliance.JSONRPCResponse) ([]byte, error) {
	payload, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("format response for %s: %w", target, err)
	}
	if target == transport.KindSSE {
		return []byte(fmt.Sprintf("data: %s\n\n", payload)), nil
	}
	return payload, nil
}

// Convert opens a one-shot session on the source transport, runs method,
// and renders the result for the target transport. Errors at any stage are
// wrapped into an MCP conversion error response already formatted for the
// target, per HandleConversionError.
func Convert(ctx context.Context, source transport.Config, target transport.Kind, method string, params map[string]any, requestID any) ([]byte, error) {
	adapter, err := transport.ForKind(source.Transport)
	if err != nil {
		return HandleConversionError(source.Transport, target, requestID, err)
	}

	session, err := adapter.Open(ctx, source)
	if err != nil {
		return HandleConversionError(source.Transport, target, requestID, err)
	}
	defer adapter.Close(ctx, session)

	if _, err := adapter.Initialize(ctx, session); err != nil {
		return HandleConversionError(source.Transport, target, requestID, err)
	}

	if method == "tools/call" {
		if args, ok := params["arguments"].(map[string]any); ok {
			params = map[string]any{"name": params["name"], "arguments": CleanToolArguments(args)}
		}
	}

	result, err := adapter.Call(ctx, session, method, params)
	if err != nil {
		return HandleConversionError(source.Transport, target, requestID, err)
	}

	response := compliance.EnsureJSONRPCResponse(result, requestID)
	return FormatForTarget(target, response)
}

// HandleConversionError wraps err into an MCP conversion error response and
// renders it for the target transport. A formatting failure falls back to a
// bare JSON error frame so the caller always has bytes to write.
func HandleConversionError(source, target transport.Kind, requestID any, err error) ([]byte, error) {
	response := compliance.ErrorResponse(requestID, compliance.CodeMCPConversionError,
		fmt.Sprintf("conversion from %s to %s failed: %v", source, target, err), nil)

	formatted, formatErr := FormatForTarget(target, response)
	if formatErr != nil {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":"conversion error"}}`,
			compliance.CodeMCPConversionError)), nil
	}
	return formatted, nil
}
