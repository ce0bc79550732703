package service

import (
	"context"
	"time"

	"github.com/mcpgw/gateway/internal/compliance"
)

// ConnectionStatus reports whether a service's upstream is currently
// reachable.
type ConnectionStatus struct {
	IsReachable bool   `json:"isReachable"`
	Error       string `json:"error,omitempty"`
}

// ProtocolValidation reports whether a service's negotiated protocol version
// is one this gateway supports.
type ProtocolValidation struct {
	IsValid          bool   `json:"isValid"`
	SupportedVersion string `json:"supportedVersion"`
	ExpectedVersion  string `json:"expectedVersion"`
}

// CapabilitiesValidation reports whether a service advertised any tools.
type CapabilitiesValidation struct {
	IsValid   bool `json:"isValid"`
	ToolCount int  `json:"toolCount"`
}

// ServerValidationStatus is one service's full validation record.
type ServerValidationStatus struct {
	Name                   string                 `json:"name"`
	ConnectionStatus       ConnectionStatus       `json:"connectionStatus"`
	ProtocolValidation     ProtocolValidation     `json:"protocolValidation"`
	CapabilitiesValidation CapabilitiesValidation `json:"capabilitiesValidation"`
	LastValidated          time.Time              `json:"lastValidated"`
}

// StatusResponse is the aggregate validation result across every registered
// service, served by the /status admin endpoint.
type StatusResponse struct {
	Servers          []ServerValidationStatus `json:"servers"`
	OverallValid     bool                     `json:"overallValid"`
	TotalServers     int                      `json:"totalServers"`
	HealthyServers   int                      `json:"healthyServers"`
	UnhealthyServers int                      `json:"unhealthyServers"`
	ToolConflicts    []ToolConflict           `json:"toolConflicts"`
}

// ValidateAll re-verifies every registered service and reports its
// connectivity, protocol-version and capability status, for an
// out-of-scope admin UI to poll.
func (m *Manager) ValidateAll(ctx context.Context) StatusResponse {
	m.mu.RLock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	m.mu.RUnlock()

	resp := StatusResponse{OverallValid: true, ToolConflicts: m.ToolConflicts()}
	for _, name := range names {
		ok, tools, err := m.Verify(ctx, name)
		negotiated := ""
		if inst, found := m.Get(name); found {
			negotiated, _ = inst.InitResult["protocolVersion"].(string)
		}
		versionSupported := false
		for _, v := range compliance.SupportedProtocolVersions {
			if v == negotiated {
				versionSupported = true
				break
			}
		}
		status := ServerValidationStatus{
			Name:             name,
			ConnectionStatus: ConnectionStatus{IsReachable: ok},
			CapabilitiesValidation: CapabilitiesValidation{
				IsValid:   len(tools) > 0,
				ToolCount: len(tools),
			},
			ProtocolValidation: ProtocolValidation{
				IsValid:          ok && versionSupported,
				SupportedVersion: compliance.LatestProtocolVersion,
				ExpectedVersion:  compliance.LatestProtocolVersion,
			},
			LastValidated: time.Now(),
		}
		if err != nil {
			status.ConnectionStatus.Error = err.Error()
		}

		resp.Servers = append(resp.Servers, status)
		resp.TotalServers++
		if ok {
			resp.HealthyServers++
		} else {
			resp.UnhealthyServers++
			resp.OverallValid = false
		}
	}
	return resp
}
