package events

// AgentRef is the compact agent identity attached to events that mention
// an agent. Enrichment is best effort: when the registry no longer knows
// the GUID, events carry the bare GUID and no ref.
type AgentRef struct {
	GUID      string `json:"guid"`
	Handle    string `json:"handle,omitempty"`
	AgentType string `json:"agentType"`
	Hostname  string `json:"hostname,omitempty"`
}

// WorkEventPayload is the data carried by every work:* event. Subscriber
// filters compare against the flat string fields.
type WorkEventPayload struct {
	WorkItemID string    `json:"workItemId"`
	TaskID     string    `json:"taskId,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Boundary   string    `json:"boundary,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts,omitempty"`
	AssignedTo string    `json:"assignedTo,omitempty"`
	Agent      *AgentRef `json:"assignedToAgent,omitempty"`
	Progress   *int      `json:"progress,omitempty"`
	Note       string    `json:"note,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      any       `json:"error,omitempty"`
}

// AgentEventPayload is the data carried by every agent:* event. The
// capability and boundary sets are present so subscriber membership
// filters can match without a registry lookup.
type AgentEventPayload struct {
	Agent        AgentRef `json:"agent"`
	Status       string   `json:"status,omitempty"`
	NewStatus    string   `json:"newStatus,omitempty"`
	TaskCount    int      `json:"currentTaskCount,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Boundaries   []string `json:"boundaries,omitempty"`
	Graceful     bool     `json:"graceful,omitempty"`
}

// TargetEventPayload is the data carried by every target:* event.
type TargetEventPayload struct {
	TargetID     string   `json:"targetId"`
	Name         string   `json:"name"`
	AgentType    string   `json:"agentType,omitempty"`
	Mechanism    string   `json:"mechanism,omitempty"`
	Status       string   `json:"status,omitempty"`
	NewStatus    string   `json:"newStatus,omitempty"`
	Health       string   `json:"health,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Boundaries   []string `json:"boundaries,omitempty"`
}

// SpinUpEventPayload is the data carried by every spin-up:* event.
// These fan out on the targets topic.
type SpinUpEventPayload struct {
	TargetID   string    `json:"targetId"`
	TargetName string    `json:"targetName,omitempty"`
	Mechanism  string    `json:"mechanism,omitempty"`
	WorkItemID string    `json:"workItemId,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Agent      *AgentRef `json:"agent,omitempty"`
	Error      string    `json:"error,omitempty"`
}
