package agent

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/metrics"
)

// Registry tracks the agents registered with a single project.
type Registry struct {
	projectID string
	bus       *bus.Bus
	logger    *logger.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates an empty registry for one project.
func NewRegistry(projectID string, b *bus.Bus, log *logger.Logger) *Registry {
	return &Registry{
		projectID: projectID,
		bus:       b,
		logger:    log.WithComponent("agent-registry").WithProjectID(projectID),
		agents:    make(map[string]*Agent),
	}
}

// Register adds an agent under its caller-supplied GUID.
func (r *Registry) Register(req RegisterRequest) (*Agent, error) {
	if req.GUID == "" {
		return nil, errors.BadRequest("agent guid is required")
	}
	if !ValidAgentType(req.AgentType) {
		return nil, errors.BadRequest("unknown agent type: " + req.AgentType)
	}

	now := time.Now().UTC()
	a := &Agent{
		GUID:            req.GUID,
		Handle:          req.Handle,
		AgentType:       req.AgentType,
		Hostname:        req.Hostname,
		Capabilities:    req.Capabilities,
		Boundaries:      req.Boundaries,
		Status:          StatusOnline,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}

	r.mu.Lock()
	if _, exists := r.agents[req.GUID]; exists {
		r.mu.Unlock()
		return nil, errors.Conflict("agent already registered: " + req.GUID)
	}
	r.agents[req.GUID] = a
	snapshot := *a
	r.mu.Unlock()

	metrics.AgentsRegistered.WithLabelValues(r.projectID).Inc()
	r.logger.Info("agent registered",
		zap.String("agent_guid", a.GUID),
		zap.String("agent_type", a.AgentType),
		zap.Strings("capabilities", a.Capabilities))

	r.publish(events.AgentRegistered, &snapshot, &events.AgentEventPayload{
		Status: snapshot.Status,
	})
	return &snapshot, nil
}

// UpdateStatus moves an agent to the given status. taskCount is applied
// when non-nil.
func (r *Registry) UpdateStatus(guid, status string, taskCount *int) (*Agent, error) {
	if !ValidStatus(status) {
		return nil, errors.BadRequest("unknown agent status: " + status)
	}

	r.mu.Lock()
	a, exists := r.agents[guid]
	if !exists {
		r.mu.Unlock()
		return nil, errors.NotFound("agent", guid)
	}
	a.Status = status
	if taskCount != nil {
		a.TaskCount = *taskCount
	}
	snapshot := *a
	r.mu.Unlock()

	r.publish(events.AgentUpdated, &snapshot, &events.AgentEventPayload{
		NewStatus: snapshot.Status,
		TaskCount: snapshot.TaskCount,
	})
	return &snapshot, nil
}

// Heartbeat records liveness. An offline agent comes back online, which
// is the only case a heartbeat announces on the bus.
func (r *Registry) Heartbeat(guid string) (*Agent, error) {
	r.mu.Lock()
	a, exists := r.agents[guid]
	if !exists {
		r.mu.Unlock()
		return nil, errors.NotFound("agent", guid)
	}
	a.LastHeartbeatAt = time.Now().UTC()
	revived := a.Status == StatusOffline
	if revived {
		a.Status = StatusOnline
	}
	snapshot := *a
	r.mu.Unlock()

	if revived {
		r.publish(events.AgentUpdated, &snapshot, &events.AgentEventPayload{
			NewStatus: StatusOnline,
			TaskCount: snapshot.TaskCount,
		})
	}
	return &snapshot, nil
}

// Shutdown removes an agent from the registry.
func (r *Registry) Shutdown(guid string, graceful bool) error {
	r.mu.Lock()
	a, exists := r.agents[guid]
	if !exists {
		r.mu.Unlock()
		return errors.NotFound("agent", guid)
	}
	delete(r.agents, guid)
	snapshot := *a
	r.mu.Unlock()

	metrics.AgentsRegistered.WithLabelValues(r.projectID).Dec()
	r.logger.Info("agent shut down",
		zap.String("agent_guid", guid),
		zap.Bool("graceful", graceful))

	r.publish(events.AgentShutdown, &snapshot, &events.AgentEventPayload{
		Graceful: graceful,
	})
	return nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(guid string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[guid]
	if !exists {
		return nil, errors.NotFound("agent", guid)
	}
	snapshot := *a
	return &snapshot, nil
}

// List returns matching agents ordered by registration time. The order
// is stable so cursor pagination stays consistent across requests.
func (r *Registry) List(f Filter) []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if f.matches(a) {
			snapshot := *a
			out = append(out, &snapshot)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].GUID < out[j].GUID
	})
	return out
}

// Summary returns the identity fields used to enrich work events, or nil
// when the GUID is unknown.
func (r *Registry) Summary(guid string) *events.AgentRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[guid]
	if !exists {
		return nil
	}
	return &events.AgentRef{
		GUID:      a.GUID,
		Handle:    a.Handle,
		AgentType: a.AgentType,
		Hostname:  a.Hostname,
	}
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Stats returns the census with every type and status key present.
func (r *Registry) Stats() Stats {
	stats := Stats{
		ByType:   make(map[string]int, 2),
		ByStatus: make(map[string]int, 3),
	}
	for _, t := range AgentTypes() {
		stats.ByType[t] = 0
	}
	for _, s := range Statuses() {
		stats.ByStatus[s] = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats.Total = len(r.agents)
	for _, a := range r.agents {
		stats.ByType[a.AgentType]++
		stats.ByStatus[a.Status]++
	}
	return stats
}

func (r *Registry) publish(eventType string, a *Agent, payload *events.AgentEventPayload) {
	if r.bus == nil {
		return
	}
	payload.Agent = events.AgentRef{
		GUID:      a.GUID,
		Handle:    a.Handle,
		AgentType: a.AgentType,
		Hostname:  a.Hostname,
	}
	payload.Capabilities = a.Capabilities
	payload.Boundaries = a.Boundaries
	r.bus.Publish(events.New(eventType, r.projectID, payload))
}
