// Package stats assembles the per-project operational snapshot served
// over HTTP and pushed to realtime stats subscribers.
package stats

import (
	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/project"
	"github.com/weftdev/weft/internal/target"
	"github.com/weftdev/weft/internal/work"
)

// ConnectionCounter reports a project's live WebSocket footprint. The
// hub implements it.
type ConnectionCounter interface {
	ProjectConnectionCount(projectID string) int
	ProjectSubscriptionCount(projectID string) int
}

// WebSocketStats is the realtime slice of a snapshot.
type WebSocketStats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}

// Snapshot is one project's census. Closed sets are fully enumerated
// with zeros present, and no timestamp rides inside: equal state must
// encode to byte-equal JSON so conditional GETs can 304.
type Snapshot struct {
	Agents    agent.Stats    `json:"agents"`
	Work      work.Stats     `json:"work"`
	Targets   target.Stats   `json:"targets"`
	WebSocket WebSocketStats `json:"websocket"`
}

// Collector reads the live project registries and the hub's connection
// counts. It holds no state of its own; every call is a fresh census.
type Collector struct {
	projects *project.Manager
	conns    ConnectionCounter
}

// NewCollector creates a collector over the project manager. conns may
// be nil, in which case the websocket slice stays zero.
func NewCollector(projects *project.Manager, conns ConnectionCounter) *Collector {
	return &Collector{projects: projects, conns: conns}
}

// Project returns the snapshot of one project. A project that was never
// touched yields the zero census rather than an error: stats reads
// never create contexts and never fail.
func (c *Collector) Project(projectID string) *Snapshot {
	pc, err := c.projects.Get(projectID)
	if err != nil {
		return c.empty(projectID)
	}
	return c.snapshot(pc)
}

// All returns the snapshots of every live project keyed by project id.
func (c *Collector) All() map[string]*Snapshot {
	out := make(map[string]*Snapshot)
	for _, pc := range c.projects.List() {
		out[pc.ProjectID] = c.snapshot(pc)
	}
	return out
}

// ProjectSnapshot implements the hub's stats provider contract.
func (c *Collector) ProjectSnapshot(projectID string) any {
	return c.Project(projectID)
}

func (c *Collector) snapshot(pc *project.ProjectContext) *Snapshot {
	s := &Snapshot{
		Agents:  pc.Agents.Stats(),
		Work:    pc.Work.Stats(),
		Targets: pc.Targets.Stats(),
	}
	c.fillWebSocket(s, pc.ProjectID)
	return s
}

// empty builds the census of a project nothing has touched. The closed
// sets are still enumerated so the shape never varies.
func (c *Collector) empty(projectID string) *Snapshot {
	s := &Snapshot{
		Agents: agent.Stats{
			ByType:   make(map[string]int, 2),
			ByStatus: make(map[string]int, 3),
		},
	}
	for _, t := range agent.AgentTypes() {
		s.Agents.ByType[t] = 0
	}
	for _, status := range agent.Statuses() {
		s.Agents.ByStatus[status] = 0
	}
	c.fillWebSocket(s, projectID)
	return s
}

func (c *Collector) fillWebSocket(s *Snapshot, projectID string) {
	if c.conns == nil {
		return
	}
	s.WebSocket = WebSocketStats{
		Connections:   c.conns.ProjectConnectionCount(projectID),
		Subscriptions: c.conns.ProjectSubscriptionCount(projectID),
	}
}
