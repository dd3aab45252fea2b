package target

import "context"

// Mechanism is a named way of spinning up an agent from a target.
// Implementations must be safe for concurrent use.
type Mechanism interface {
	// SpinUp launches a new agent for the target. A nil return means the
	// launch was handed off successfully, not that the agent is online.
	SpinUp(ctx context.Context, t *Target, workItemID string) error

	// Probe checks whether the target can currently accept a spin-up.
	Probe(ctx context.Context, t *Target) error
}

// Mechanisms maps mechanism names to their implementations.
type Mechanisms map[string]Mechanism
