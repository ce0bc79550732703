package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInitializeRequest(t *testing.T) {
	ok := map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "demo"},
	}
	require.NoError(t, ValidateInitializeRequest(ok))

	missingClient := map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
	}
	require.Error(t, ValidateInitializeRequest(missingClient))
}

func TestValidateTool(t *testing.T) {
	tool := ToolDefinition{
		Name: "search_docs",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
	}
	require.NoError(t, ValidateTool(tool, nil))

	bad := tool
	bad.Name = "bad name!"
	require.Error(t, ValidateTool(bad, nil))

	require.Error(t, ValidateTool(tool, []ToolDefinition{tool}))
}

// TestNormalizeInitializeResponse exercises the literal example from the
// handshake normalization scenario: instructions move out of serverInfo,
// capabilities.logging becomes an object, description is dropped.
func TestNormalizeInitializeResponse(t *testing.T) {
	raw := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{"logging": nil},
		"serverInfo": map[string]any{
			"name":         "X",
			"version":      "1",
			"instructions": "Hello",
		},
	}

	out := NormalizeInitializeResponse(raw)

	assert.Equal(t, "2024-11-05", out["protocolVersion"])
	assert.Equal(t, "Hello", out["instructions"])

	caps, ok := out["capabilities"].(map[string]any)
	require.True(t, ok)
	// Scenario 1's expected capabilities is exactly {"logging":{}} — no
	// resources key should be synthesized when the upstream never sent one.
	assert.Equal(t, map[string]any{"logging": map[string]any{}}, caps)

	serverInfo, ok := out["serverInfo"].(map[string]any)
	require.True(t, ok)
	_, hasInstructions := serverInfo["instructions"]
	assert.False(t, hasInstructions)
	assert.Equal(t, "X", serverInfo["name"])
}

func TestNormalizeInitializeResponseIdempotent(t *testing.T) {
	raw := map[string]any{
		"capabilities": map[string]any{
			"logging":   nil,
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":         "X",
			"version":      "1",
			"instructions": "Hello",
			"description":  "dropped",
		},
	}

	once := NormalizeInitializeResponse(raw)
	twice := NormalizeInitializeResponse(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeInitializeResponseDefaultsProtocolVersion(t *testing.T) {
	out := NormalizeInitializeResponse(map[string]any{
		"serverInfo": map[string]any{"name": "X", "version": "1"},
	})
	assert.Equal(t, LatestProtocolVersion, out["protocolVersion"])
}

func TestNormalizeInitializeResponseDropsEmptyInstructions(t *testing.T) {
	out := NormalizeInitializeResponse(map[string]any{
		"instructions": "   ",
		"serverInfo":   map[string]any{"name": "X", "version": "1"},
	})
	_, has := out["instructions"]
	assert.False(t, has)
}

func TestNormalizeTool(t *testing.T) {
	out := NormalizeTool(ToolDefinition{}, 3)
	assert.Equal(t, "Tool-3", out.Name)
	assert.Equal(t, "No description provided", out.Description)
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, out.InputSchema)
}

func TestEnsureJSONRPCResponseIdempotent(t *testing.T) {
	first := EnsureJSONRPCResponse(map[string]any{"foo": "bar"}, "req-1")
	second := EnsureJSONRPCResponse(first, "req-1")
	third := EnsureJSONRPCResponse(*second, "req-1")

	assert.Equal(t, first, second)
	assert.Equal(t, second, third)
	assert.Equal(t, "2.0", third.JSONRPC)
	assert.Equal(t, "req-1", third.ID)
	assert.Nil(t, third.Error)
}

func TestEnsureJSONRPCResponseCoercesMalformedError(t *testing.T) {
	resp := EnsureJSONRPCResponse(map[string]any{"error": "boom"}, "req-2")
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(CodeInternalError), resp.Error.Code)
	assert.Equal(t, "boom", resp.Error.Message)
}

func TestEnsureJSONRPCResponseWrapsBareValue(t *testing.T) {
	resp := EnsureJSONRPCResponse(42, "req-3")
	assert.Equal(t, 42, resp.Result)
	assert.Nil(t, resp.Error)
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse("req-4", CodeMCPToolError, "tool not found", nil)
	assert.Equal(t, int(CodeMCPToolError), resp.Error.Code)
	assert.Nil(t, resp.Result)
}
