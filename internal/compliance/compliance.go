// Package compliance validates and normalizes MCP JSON-RPC messages against
// protocol version 2025-03-26, and defines the gateway's error taxonomy.
package compliance

import (
	"fmt"
	"regexp"
	"strings"
)

// LatestProtocolVersion is the canonical MCP protocol version this gateway
// negotiates by default.
const LatestProtocolVersion = "2025-03-26"

// SupportedProtocolVersions lists the protocol versions the gateway will
// honor when a client negotiates one of them during initialize.
var SupportedProtocolVersions = []string{
	"2025-03-26",
	"2024-11-05",
	"2025-06-18",
}

// Code is an MCP/JSON-RPC error code.
type Code int

// Error taxonomy: the standard JSON-RPC codes plus the MCP-specific -320xx range.
const (
	CodeParseError         Code = -32700
	CodeInvalidRequest     Code = -32600
	CodeMethodNotFound     Code = -32601
	CodeInvalidParams      Code = -32602
	CodeInternalError      Code = -32603
	CodeMCPProtocolError   Code = -32000
	CodeMCPTransportError  Code = -32001
	CodeMCPCapabilityError Code = -32002
	CodeMCPResourceError   Code = -32003
	CodeMCPToolError       Code = -32004
	CodeMCPConversionError Code = -32005
	CodeMCPValidationError Code = -32006
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ToolDefinition is the gateway-internal representation of an MCP tool,
// independent of any one transport's wire types.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// JSONRPCError is the {code, message, data?} error payload of a JSON-RPC
// response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSONRPCResponse is a complete JSON-RPC 2.0 response envelope. Exactly one
// of Result/Error is populated once it has passed through EnsureJSONRPCResponse.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// ValidationError reports why a message failed compliance validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateInitializeRequest checks that msg carries the fields an MCP
// initialize request must have: protocolVersion (string), capabilities
// (object), clientInfo.name (string).
func ValidateInitializeRequest(msg map[string]any) error {
	if msg == nil {
		return invalid("initialize request is empty")
	}
	if _, ok := asString(msg["protocolVersion"]); !ok {
		return invalid("initialize request missing string protocolVersion")
	}
	if _, ok := asObject(msg["capabilities"]); !ok {
		return invalid("initialize request missing object capabilities")
	}
	clientInfo, ok := asObject(msg["clientInfo"])
	if !ok {
		return invalid("initialize request missing object clientInfo")
	}
	if _, ok := asString(clientInfo["name"]); !ok {
		return invalid("initialize request missing clientInfo.name")
	}
	return nil
}

// ValidateInitializeResponse checks that msg carries the fields an MCP
// initialize response must have: protocolVersion, capabilities,
// serverInfo.{name,version}.
func ValidateInitializeResponse(msg map[string]any) error {
	if msg == nil {
		return invalid("initialize response is empty")
	}
	if _, ok := asString(msg["protocolVersion"]); !ok {
		return invalid("initialize response missing string protocolVersion")
	}
	if _, ok := asObject(msg["capabilities"]); !ok {
		return invalid("initialize response missing object capabilities")
	}
	serverInfo, ok := asObject(msg["serverInfo"])
	if !ok {
		return invalid("initialize response missing object serverInfo")
	}
	if _, ok := asString(serverInfo["name"]); !ok {
		return invalid("initialize response missing serverInfo.name")
	}
	if _, ok := asString(serverInfo["version"]); !ok {
		return invalid("initialize response missing serverInfo.version")
	}
	return nil
}

// ValidateTool checks a tool definition's shape and, if existing is
// non-nil, rejects a name collision.
func ValidateTool(tool ToolDefinition, existing []ToolDefinition) error {
	if !toolNamePattern.MatchString(tool.Name) {
		return invalid("tool name %q does not match ^[A-Za-z0-9_-]+$", tool.Name)
	}
	if tool.InputSchema == nil {
		return invalid("tool %q missing inputSchema", tool.Name)
	}
	if err := validateSchemaNode(tool.InputSchema); err != nil {
		return invalid("tool %q inputSchema invalid: %v", tool.Name, err)
	}
	for _, other := range existing {
		if other.Name == tool.Name {
			return invalid("tool %q is already defined", tool.Name)
		}
	}
	return nil
}

var validSchemaTypes = map[string]bool{
	"object": true, "array": true, "string": true,
	"number": true, "integer": true, "boolean": true, "null": true,
}

// validateSchemaNode recursively checks that a JSON-Schema fragment declares
// a type drawn from the primitive/object/array set MCP tool schemas use.
func validateSchemaNode(schema map[string]any) error {
	typeVal, ok := schema["type"]
	if !ok {
		return fmt.Errorf("missing type")
	}
	typeStr, ok := asString(typeVal)
	if !ok || !validSchemaTypes[typeStr] {
		return fmt.Errorf("unsupported type %v", typeVal)
	}
	if typeStr == "object" {
		if props, ok := asObject(schema["properties"]); ok {
			for name, propVal := range props {
				propSchema, ok := asObject(propVal)
				if !ok {
					return fmt.Errorf("property %q is not an object schema", name)
				}
				if err := validateSchemaNode(propSchema); err != nil {
					return fmt.Errorf("property %q: %w", name, err)
				}
			}
		}
	}
	if typeStr == "array" {
		if items, ok := asObject(schema["items"]); ok {
			if err := validateSchemaNode(items); err != nil {
				return fmt.Errorf("items: %w", err)
			}
		}
	}
	return nil
}

// NormalizeInitializeResponse repairs a raw upstream initialize result:
// defaults protocolVersion, ensures capabilities shape, moves a misplaced
// serverInfo.instructions to the top level, and drops empty instructions.
func NormalizeInitializeResponse(raw map[string]any) map[string]any {
	out := cloneMap(raw)

	if _, ok := asString(out["protocolVersion"]); !ok {
		out["protocolVersion"] = LatestProtocolVersion
	}

	caps, ok := asObject(out["capabilities"])
	if !ok {
		caps = map[string]any{}
	} else {
		caps = cloneMap(caps)
	}
	if _, ok := asObject(caps["logging"]); !ok {
		caps["logging"] = map[string]any{}
	}
	if toolsCaps, ok := asObject(caps["tools"]); ok {
		toolsCaps = cloneMap(toolsCaps)
		if _, ok := toolsCaps["listChanged"].(bool); !ok {
			toolsCaps["listChanged"] = true
		}
		caps["tools"] = toolsCaps
	}
	if resourceCaps, ok := asObject(caps["resources"]); ok {
		resourceCaps = cloneMap(resourceCaps)
		if _, ok := resourceCaps["subscribe"].(bool); !ok {
			resourceCaps["subscribe"] = false
		}
		if _, ok := resourceCaps["listChanged"].(bool); !ok {
			resourceCaps["listChanged"] = false
		}
		caps["resources"] = resourceCaps
	}
	out["capabilities"] = caps

	serverInfo, ok := asObject(out["serverInfo"])
	if ok {
		serverInfo = cloneMap(serverInfo)
		if movedInstructions, ok := asString(serverInfo["instructions"]); ok {
			if _, topLevelSet := out["instructions"]; !topLevelSet {
				out["instructions"] = movedInstructions
			}
			delete(serverInfo, "instructions")
		}
		delete(serverInfo, "description")
		out["serverInfo"] = serverInfo
	}

	if instructions, ok := asString(out["instructions"]); ok {
		if strings.TrimSpace(instructions) == "" {
			delete(out, "instructions")
		}
	}

	return out
}

// NormalizeTool fills in a tool definition's missing parts: default name,
// description and inputSchema. counter seeds the Tool-<counter> fallback
// name and is not mutated.
func NormalizeTool(tool ToolDefinition, counter int) ToolDefinition {
	out := tool
	if strings.TrimSpace(out.Name) == "" {
		out.Name = fmt.Sprintf("Tool-%d", counter)
	}
	if strings.TrimSpace(out.Description) == "" {
		out.Description = "No description provided"
	}
	if out.InputSchema == nil {
		out.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	} else if _, ok := asString(out.InputSchema["type"]); !ok {
		schema := cloneMap(out.InputSchema)
		schema["type"] = "object"
		if _, ok := schema["properties"]; !ok {
			schema["properties"] = map[string]any{}
		}
		out.InputSchema = schema
	}
	return out
}

// EnsureJSONRPCResponse guarantees a well-formed JSON-RPC 2.0 response:
// jsonrpc=2.0, an id, and exactly one of result/error. value may already be
// a *JSONRPCResponse (made idempotent), a decoded JSON object with
// result/error keys, or a bare value that becomes the result.
func EnsureJSONRPCResponse(value any, requestID any) *JSONRPCResponse {
	switch v := value.(type) {
	case *JSONRPCResponse:
		if v == nil {
			return &JSONRPCResponse{JSONRPC: "2.0", ID: requestID, Result: map[string]any{}}
		}
		return finishResponse(*v, requestID)
	case JSONRPCResponse:
		return finishResponse(v, requestID)
	case map[string]any:
		return fromRawMap(v, requestID)
	default:
		return &JSONRPCResponse{JSONRPC: "2.0", ID: requestID, Result: value}
	}
}

func finishResponse(r JSONRPCResponse, requestID any) *JSONRPCResponse {
	r.JSONRPC = "2.0"
	if r.ID == nil {
		r.ID = requestID
	}
	switch {
	case r.Error != nil:
		r.Result = nil
	case r.Result == nil:
		r.Result = map[string]any{}
	}
	return &r
}

func fromRawMap(m map[string]any, requestID any) *JSONRPCResponse {
	id := requestID
	if v, ok := m["id"]; ok && v != nil {
		id = v
	}
	if errVal, ok := m["error"]; ok && errVal != nil {
		return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: coerceError(errVal)}
	}
	if res, ok := m["result"]; ok {
		return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: res}
	}
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: m}
}

func coerceError(v any) *JSONRPCError {
	m, ok := asObject(v)
	if !ok {
		return &JSONRPCError{Code: int(CodeInternalError), Message: fmt.Sprintf("%v", v)}
	}
	code, ok := asNumber(m["code"])
	if !ok {
		return &JSONRPCError{Code: int(CodeInternalError), Message: fmt.Sprintf("%v", v)}
	}
	msg, ok := asString(m["message"])
	if !ok || msg == "" {
		msg = fmt.Sprintf("%v", v)
	}
	return &JSONRPCError{Code: int(code), Message: msg, Data: m["data"]}
}

// ErrorResponse builds a JSON-RPC error response for the given id and MCP
// error code.
func ErrorResponse(id any, code Code, message string, data any) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    int(code),
			Message: message,
			Data:    data,
		},
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
