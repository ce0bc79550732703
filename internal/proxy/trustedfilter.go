package proxy

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpgw/gateway/internal/compliance"
)

// authorizedToolsHeader carries an ES256-signed JWT whose "allowed-tools"
// claim maps a service name to the tool names a trusted external source
// (e.g. the front-door's authorization layer) has approved for this
// request. An optional additional filter layered after a proxy's own static
// ExposedTools, never replacing it.
var authorizedToolsHeader = http.CanonicalHeaderKey("x-authorized-tools")

const allowedToolsClaimKey = "allowed-tools"

// TrustedHeaderFilter validates the x-authorized-tools header and narrows a
// tool list to the names it authorizes for one upstream service.
type TrustedHeaderFilter struct {
	// PublicKeyPEM is the ES256 public key used to verify the header's JWT.
	PublicKeyPEM string
	// Enforce, when true, rejects requests that carry no header at all
	// (returns an empty tool set) rather than passing every tool through.
	Enforce bool
}

// Filter returns the subset of tools the header's JWT claim authorizes for
// serverName. With no header present, it returns tools unchanged unless
// Enforce is set, in which case it returns no tools. An invalid or
// unparsable header is always treated as "authorize nothing".
func (f *TrustedHeaderFilter) Filter(headers http.Header, serverName string, tools []compliance.ToolDefinition) ([]compliance.ToolDefinition, error) {
	if headers == nil || len(headers.Values(authorizedToolsHeader)) == 0 {
		if f.Enforce {
			return nil, nil
		}
		return tools, nil
	}

	values := headers.Values(authorizedToolsHeader)
	if len(values) != 1 {
		return nil, fmt.Errorf("expected exactly one %s header, got %d", authorizedToolsHeader, len(values))
	}
	raw := values[0]
	if raw == "" {
		return nil, nil
	}
	if f.PublicKeyPEM == "" {
		return nil, fmt.Errorf("no public key configured to validate %s", authorizedToolsHeader)
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		block, _ := pem.Decode([]byte(f.PublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("invalid PEM public key")
		}
		pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecKey, ok := pubKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("expected an ECDSA public key")
		}
		return ecKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", authorizedToolsHeader, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type in %s", authorizedToolsHeader)
	}
	claimValue, ok := claims[allowedToolsClaimKey].(string)
	if !ok {
		return nil, fmt.Errorf("%s claim missing or not a string", allowedToolsClaimKey)
	}

	authorized := map[string][]string{}
	if err := json.Unmarshal([]byte(claimValue), &authorized); err != nil {
		return nil, fmt.Errorf("unmarshal %s claim: %w", allowedToolsClaimKey, err)
	}

	allowedNames := map[string]bool{}
	for _, name := range authorized[serverName] {
		allowedNames[name] = true
	}

	out := make([]compliance.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		if allowedNames[tool.Name] {
			out = append(out, tool)
		}
	}
	return out, nil
}
