// Package credentials resolves a service's configured header values,
// forwarding literal values verbatim and reading mounted-secret references
// from disk.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MountPath is the standard mount path for Kubernetes-projected secrets
// referenced by a "file:<name>" header value.
const MountPath = "/etc/mcp-credentials"

// mountPathOverride lets tests redirect secret reads to a temp directory.
var mountPathOverride = ""

// fileRefPrefix marks a header value as a reference to a mounted secret file
// rather than a literal value to forward verbatim.
const fileRefPrefix = "file:"

// Resolve returns a copy of headers with every "file:<name>" value replaced
// by the trimmed contents of the mounted secret file it names. Values
// without that prefix are forwarded unchanged, honoring the gateway's
// "forward client-supplied credentials verbatim" contract for everything
// that isn't an explicit mounted-secret reference.
func Resolve(headers map[string]string) (map[string]string, error) {
	if len(headers) == 0 {
		return headers, nil
	}
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		ref, ok := strings.CutPrefix(value, fileRefPrefix)
		if !ok {
			out[key] = value
			continue
		}
		resolved, err := readSecretFile(ref)
		if err != nil {
			return nil, fmt.Errorf("resolve credential header %q: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func readSecretFile(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty secret name")
	}
	mountPath := MountPath
	if mountPathOverride != "" {
		mountPath = mountPathOverride
	}
	path := filepath.Join(mountPath, name)
	data, err := os.ReadFile(path) //nolint:gosec // reading mounted secrets from a fixed, operator-controlled path
	if err != nil {
		return "", fmt.Errorf("read mounted secret %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}
