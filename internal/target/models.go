// Package target manages the registered spin-up targets a project can
// use to bring new agents online.
package target

import (
	"time"

	"github.com/weftdev/weft/internal/events"
)

// Target statuses. Disabled wins over load.
const (
	StatusAvailable = "available"
	StatusInUse     = "in-use"
	StatusDisabled  = "disabled"
)

// Health states. Targets start out unknown until the first probe; health
// is reported alongside status and never folds into it.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Spin-up outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Target is a registered way to bring a new agent online.
type Target struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"projectId"`
	Name            string            `json:"name"`
	AgentType       string            `json:"agentType"`
	Capabilities    []string          `json:"capabilities"`
	Boundaries      []string          `json:"boundaries,omitempty"`
	Mechanism       string            `json:"mechanism"`
	Config          map[string]string `json:"config,omitempty"`
	MaxInstances    int               `json:"maxInstances"`
	ActiveInstances int               `json:"activeInstances"`
	Status          string            `json:"status"`
	Enabled         bool              `json:"enabled"`
	Health          string            `json:"health"`
	LastSpinUp      *SpinUpRecord     `json:"lastSpinUp,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// SpinUpRecord remembers the most recent finished spin-up attempt.
// Nothing is written while an attempt is still in flight.
type SpinUpRecord struct {
	Time       time.Time        `json:"time"`
	Outcome    string           `json:"outcome"`
	Agent      *events.AgentRef `json:"agent,omitempty"`
	WorkItemID string           `json:"workItemId,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// recomputeStatus derives Status from enablement and load. Health never
// feeds into it.
func (t *Target) recomputeStatus() {
	switch {
	case !t.Enabled:
		t.Status = StatusDisabled
	case t.ActiveInstances > 0:
		t.Status = StatusInUse
	default:
		t.Status = StatusAvailable
	}
}

// atCapacity reports whether another spin-up would exceed MaxInstances.
// MaxInstances of zero or less means unlimited.
func (t *Target) atCapacity() bool {
	return t.MaxInstances > 0 && t.ActiveInstances >= t.MaxInstances
}

// hasBoundary reports whether the target covers the boundary. An empty
// boundary list covers everything.
func (t *Target) hasBoundary(boundary string) bool {
	if len(t.Boundaries) == 0 {
		return true
	}
	for _, b := range t.Boundaries {
		if b == boundary {
			return true
		}
	}
	return false
}

// RegisterRequest describes a new target. Enabled defaults to true.
type RegisterRequest struct {
	Name         string            `json:"name"`
	AgentType    string            `json:"agentType"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Boundaries   []string          `json:"boundaries,omitempty"`
	Mechanism    string            `json:"mechanism"`
	Config       map[string]string `json:"config,omitempty"`
	MaxInstances int               `json:"maxInstances,omitempty"`
	Enabled      *bool             `json:"enabled,omitempty"`
}

// UpdateRequest patches a target. Nil fields are left untouched.
type UpdateRequest struct {
	Name         *string           `json:"name,omitempty"`
	AgentType    *string           `json:"agentType,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Boundaries   []string          `json:"boundaries,omitempty"`
	Mechanism    *string           `json:"mechanism,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
	MaxInstances *int              `json:"maxInstances,omitempty"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Mechanism string
	Status    string
	AgentType string
}

func (f Filter) matches(t *Target) bool {
	if f.Mechanism != "" && t.Mechanism != f.Mechanism {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AgentType != "" && t.AgentType != f.AgentType {
		return false
	}
	return true
}

// TestResult is the outcome of a health probe.
type TestResult struct {
	TargetID  string    `json:"targetId"`
	Health    string    `json:"health"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Stats is the per-project target census by status.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Disabled  int `json:"disabled"`
}
