// Package events defines the closed set of coordination events, their
// payload shapes, and the NATS subject grammar shared with worker agents
// and spinner daemons.
package events

import "strings"

// Event types for work items
const (
	WorkSubmitted = "work:submitted"
	WorkAssigned  = "work:assigned"
	WorkStarted   = "work:started"
	WorkProgress  = "work:progress"
	WorkCompleted = "work:completed"
	WorkFailed    = "work:failed"
	WorkCancelled = "work:cancelled"
)

// Event types for agents
const (
	AgentRegistered = "agent:registered"
	AgentUpdated    = "agent:updated"
	AgentShutdown   = "agent:shutdown"
)

// Event types for spin-up targets
const (
	TargetRegistered    = "target:registered"
	TargetUpdated       = "target:updated"
	TargetDisabled      = "target:disabled"
	TargetRemoved       = "target:removed"
	TargetHealthChanged = "target:health-changed"
)

// Event types for spin-up attempts
const (
	SpinUpTriggered = "spin-up:triggered"
	SpinUpStarted   = "spin-up:started"
	SpinUpCompleted = "spin-up:completed"
	SpinUpFailed    = "spin-up:failed"
)

// Subscription topics. Every event kind maps onto exactly one topic via
// its prefix; spin-up events ride the targets topic, and stats is a
// push-only topic with no backing events.
const (
	TopicWork    = "work"
	TopicAgents  = "agents"
	TopicTargets = "targets"
	TopicStats   = "stats"
)

// Topics lists every subscribable topic.
func Topics() []string {
	return []string{TopicWork, TopicAgents, TopicTargets, TopicStats}
}

// ValidTopic reports whether name is a known subscription topic.
func ValidTopic(name string) bool {
	switch name {
	case TopicWork, TopicAgents, TopicTargets, TopicStats:
		return true
	}
	return false
}

// TopicFor maps an event type onto its subscription topic. Unknown types
// map to the empty string and are never fanned out.
func TopicFor(eventType string) string {
	prefix, _, ok := strings.Cut(eventType, ":")
	if !ok {
		return ""
	}
	switch prefix {
	case "work":
		return TopicWork
	case "agent":
		return TopicAgents
	case "target", "spin-up":
		return TopicTargets
	}
	return ""
}

// KnownType reports whether eventType belongs to the closed event set.
func KnownType(eventType string) bool {
	switch eventType {
	case WorkSubmitted, WorkAssigned, WorkStarted, WorkProgress,
		WorkCompleted, WorkFailed, WorkCancelled,
		AgentRegistered, AgentUpdated, AgentShutdown,
		TargetRegistered, TargetUpdated, TargetDisabled, TargetRemoved, TargetHealthChanged,
		SpinUpTriggered, SpinUpStarted, SpinUpCompleted, SpinUpFailed:
		return true
	}
	return false
}

// WorkStatusBucket maps a work event type onto the status a subscriber's
// status filter compares against. Unknown types map to the empty string.
func WorkStatusBucket(eventType string) string {
	switch eventType {
	case WorkSubmitted:
		return "pending"
	case WorkAssigned:
		return "assigned"
	case WorkStarted, WorkProgress:
		return "in-progress"
	case WorkCompleted:
		return "completed"
	case WorkFailed:
		return "failed"
	case WorkCancelled:
		return "cancelled"
	}
	return ""
}

// NATS subject grammar: <root>.<projectId>.<kind>. The coordinator
// consumes the agent announce subjects and publishes work notifications;
// the remaining builders document the grammar for workers and spinner
// daemons that share it.

// BuildWorkQueueSubject creates the per-capability queue announce subject.
func BuildWorkQueueSubject(root, projectID, capability string) string {
	return root + "." + projectID + ".work.queue." + capability
}

// BuildWorkStatusSubject creates the per-item status subject.
func BuildWorkStatusSubject(root, projectID, workItemID string) string {
	return root + "." + projectID + ".work.status." + workItemID
}

// BuildWorkCompletedSubject creates the completion notification subject.
func BuildWorkCompletedSubject(root, projectID string) string {
	return root + "." + projectID + ".work.completed"
}

// BuildWorkErrorsSubject creates the failure notification subject.
func BuildWorkErrorsSubject(root, projectID string) string {
	return root + "." + projectID + ".work.errors"
}

// BuildAgentInboxSubject creates the direct-message subject for one agent.
func BuildAgentInboxSubject(root, projectID, guid string) string {
	return root + "." + projectID + ".agent.inbox." + guid
}

// BuildAgentRegisterSubject creates the agent registration subject.
func BuildAgentRegisterSubject(root, projectID string) string {
	return root + "." + projectID + ".agent.register"
}

// BuildAgentRegisterWildcardSubject subscribes to registrations across all projects.
func BuildAgentRegisterWildcardSubject(root string) string {
	return root + ".*.agent.register"
}

// BuildAgentDeregisterSubject creates the agent deregistration subject.
func BuildAgentDeregisterSubject(root, projectID string) string {
	return root + "." + projectID + ".agent.deregister"
}

// BuildAgentDeregisterWildcardSubject subscribes to deregistrations across all projects.
func BuildAgentDeregisterWildcardSubject(root string) string {
	return root + ".*.agent.deregister"
}

// BuildAgentHeartbeatSubject creates the per-agent heartbeat subject.
func BuildAgentHeartbeatSubject(root, projectID, guid string) string {
	return root + "." + projectID + ".agent.heartbeat." + guid
}

// BuildAgentHeartbeatWildcardSubject subscribes to heartbeats across all projects and agents.
func BuildAgentHeartbeatWildcardSubject(root string) string {
	return root + ".*.agent.heartbeat.*"
}

// BuildAgentShutdownSubject creates the per-agent shutdown subject.
func BuildAgentShutdownSubject(root, projectID, guid string) string {
	return root + "." + projectID + ".agent.shutdown." + guid
}

// BuildAgentShutdownWildcardSubject subscribes to shutdowns across all projects and agents.
func BuildAgentShutdownWildcardSubject(root string) string {
	return root + ".*.agent.shutdown.*"
}

// BuildCoordinatorCommandSubject creates the coordinator command subject.
func BuildCoordinatorCommandSubject(root, projectID string) string {
	return root + "." + projectID + ".coordinator.command"
}

// BuildCoordinatorStatusSubject creates the coordinator status subject.
func BuildCoordinatorStatusSubject(root, projectID string) string {
	return root + "." + projectID + ".coordinator.status"
}

// BuildSpinUpRequestSubject creates the spin-up request subject.
func BuildSpinUpRequestSubject(root, projectID string) string {
	return root + "." + projectID + ".coordinator.spin-up.request"
}

// BuildSpinUpStatusSubject creates the spin-up status subject.
func BuildSpinUpStatusSubject(root, projectID string) string {
	return root + "." + projectID + ".coordinator.spin-up.status"
}

// BuildTargetRegisterSubject creates the target registration subject.
func BuildTargetRegisterSubject(root, projectID string) string {
	return root + "." + projectID + ".targets.register"
}

// BuildTargetUpdateSubject creates the target update subject.
func BuildTargetUpdateSubject(root, projectID string) string {
	return root + "." + projectID + ".targets.update"
}

// BuildTargetRemoveSubject creates the target removal subject.
func BuildTargetRemoveSubject(root, projectID string) string {
	return root + "." + projectID + ".targets.remove"
}

// BuildTargetHealthSubject creates the per-target health subject.
func BuildTargetHealthSubject(root, projectID, targetID string) string {
	return root + "." + projectID + ".targets.health." + targetID
}

// ProjectFromSubject extracts the project token from a grammar subject.
func ProjectFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return "", false
	}
	return parts[1], true
}

// LastToken returns the trailing token of a subject (agent GUID on the
// heartbeat and shutdown subjects).
func LastToken(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}
