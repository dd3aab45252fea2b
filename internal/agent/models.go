// Package agent tracks the worker agents registered with a project and
// their liveness.
package agent

import "time"

// Agent statuses.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Supported agent runtimes.
const (
	TypeCopilotCLI = "copilot-cli"
	TypeClaudeCode = "claude-code"
)

// AgentTypes returns the closed set of supported agent runtimes.
func AgentTypes() []string {
	return []string{TypeCopilotCLI, TypeClaudeCode}
}

// Statuses returns the closed set of agent statuses.
func Statuses() []string {
	return []string{StatusOnline, StatusBusy, StatusOffline}
}

// ValidAgentType reports whether t names a supported runtime.
func ValidAgentType(t string) bool {
	return t == TypeCopilotCLI || t == TypeClaudeCode
}

// ValidStatus reports whether s is a known agent status.
func ValidStatus(s string) bool {
	return s == StatusOnline || s == StatusBusy || s == StatusOffline
}

// Agent is a registered worker process.
type Agent struct {
	GUID            string    `json:"guid"`
	Handle          string    `json:"handle,omitempty"`
	AgentType       string    `json:"agentType"`
	Hostname        string    `json:"hostname,omitempty"`
	Capabilities    []string  `json:"capabilities"`
	Boundaries      []string  `json:"boundaries,omitempty"`
	Status          string    `json:"status"`
	TaskCount       int       `json:"currentTaskCount"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// HasCapability reports whether the agent advertises the given capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// RegisterRequest carries the announcement an agent makes when it joins.
type RegisterRequest struct {
	GUID         string   `json:"guid"`
	Handle       string   `json:"handle,omitempty"`
	AgentType    string   `json:"agentType"`
	Hostname     string   `json:"hostname,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Boundaries   []string `json:"boundaries,omitempty"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	AgentType  string
	Status     string
	Capability string
}

func (f Filter) matches(a *Agent) bool {
	if f.AgentType != "" && a.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}

// Stats is the per-project agent census. Both breakdowns enumerate their
// full closed set so consumers always see every key, zeros included.
type Stats struct {
	Total    int            `json:"total"`
	ByType   map[string]int `json:"byType"`
	ByStatus map[string]int `json:"byStatus"`
}
