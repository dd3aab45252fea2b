// Package work implements the per-project work coordinator: an in-memory
// lifecycle store that routes submitted work items through claim, start,
// progress, and terminal transitions, and reaps items whose assignee went
// silent. Nothing here survives a restart; durability is explicitly out
// of scope.
package work

import "time"

// Status values a work item moves through. The first three are live,
// the rest are terminal and absorbing.
const (
	StatusPending    = "pending"
	StatusAssigned   = "assigned"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Priority bounds. Zero on submission means DefaultPriority.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// IsTerminal reports whether status absorbs all further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether status is a known lifecycle status.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusAssigned, StatusInProgress,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Result records what a worker produced for a completed item. It is
// immutable once set.
type Result struct {
	Summary     string    `json:"summary,omitempty"`
	Output      any       `json:"output,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Failure records why an item failed. The recoverable flag is a hint to
// higher layers; the coordinator never retries on its own.
type Failure struct {
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Item is a unit of routable work. Capability routes it, boundary
// partitions it (the API accepts "classification" as a deprecated
// alias for boundary).
type Item struct {
	ID                 string         `json:"id"`
	TaskID             string         `json:"taskId"`
	Description        string         `json:"description,omitempty"`
	Capability         string         `json:"capability"`
	Boundary           string         `json:"boundary"`
	Priority           int            `json:"priority"`
	Deadline           *time.Time     `json:"deadline,omitempty"`
	ContextData        map[string]any `json:"contextData,omitempty"`
	PreferredAgentType string         `json:"preferredAgentType,omitempty"`
	RequiredAgentType  string         `json:"requiredAgentType,omitempty"`
	Status             string         `json:"status"`
	AssignedTo         string         `json:"assignedTo,omitempty"`
	Progress           int            `json:"progress"`
	Attempts           int            `json:"attempts"`
	OfferedAt          time.Time      `json:"offeredAt"`
	AssignedAt         *time.Time     `json:"assignedAt,omitempty"`
	Result             *Result        `json:"result,omitempty"`
	Error              *Failure       `json:"error,omitempty"`

	// terminalAt drives reaper eviction for all three terminal states,
	// including cancelled items that carry neither result nor error.
	terminalAt time.Time
}

// SubmitRequest carries the producer-supplied fields of a new item.
// TaskID is generated when absent.
type SubmitRequest struct {
	TaskID             string         `json:"taskId,omitempty"`
	Description        string         `json:"description,omitempty"`
	Capability         string         `json:"capability"`
	Boundary           string         `json:"boundary"`
	Priority           int            `json:"priority,omitempty"`
	Deadline           *time.Time     `json:"deadline,omitempty"`
	ContextData        map[string]any `json:"contextData,omitempty"`
	PreferredAgentType string         `json:"preferredAgentType,omitempty"`
	RequiredAgentType  string         `json:"requiredAgentType,omitempty"`
}

// Filter narrows listings. Empty fields match everything.
type Filter struct {
	Status     string
	Capability string
	Boundary   string
	AssignedTo string
}

func (f Filter) matches(item *Item) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.Capability != "" && item.Capability != f.Capability {
		return false
	}
	if f.Boundary != "" && item.Boundary != f.Boundary {
		return false
	}
	if f.AssignedTo != "" && item.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}

// Stats is the coordinator's contribution to the project snapshot.
// Active covers assigned plus in-progress; the failed bucket absorbs
// cancelled items.
type Stats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
