package target

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/metrics"
)

// Registry tracks the spin-up targets of a single project.
type Registry struct {
	projectID  string
	bus        *bus.Bus
	mechanisms Mechanisms
	logger     *logger.Logger

	mu      sync.RWMutex
	targets map[string]*Target
	byName  map[string]string

	wg sync.WaitGroup
}

// NewRegistry creates an empty registry for one project.
func NewRegistry(projectID string, b *bus.Bus, mechanisms Mechanisms, log *logger.Logger) *Registry {
	return &Registry{
		projectID:  projectID,
		bus:        b,
		mechanisms: mechanisms,
		logger:     log.WithComponent("target-registry").WithProjectID(projectID),
		targets:    make(map[string]*Target),
		byName:     make(map[string]string),
	}
}

// Register adds a target. Names are unique within the project. Health
// starts out unknown until the first probe.
func (r *Registry) Register(req RegisterRequest) (*Target, error) {
	if req.Name == "" {
		return nil, errors.BadRequest("target name is required")
	}
	if req.Mechanism == "" {
		return nil, errors.BadRequest("target mechanism is required")
	}
	if !agent.ValidAgentType(req.AgentType) {
		return nil, errors.BadRequest("unknown agent type: " + req.AgentType)
	}

	now := time.Now().UTC()
	t := &Target{
		ID:           uuid.New().String(),
		ProjectID:    r.projectID,
		Name:         req.Name,
		AgentType:    req.AgentType,
		Capabilities: req.Capabilities,
		Boundaries:   req.Boundaries,
		Mechanism:    req.Mechanism,
		Config:       req.Config,
		MaxInstances: req.MaxInstances,
		Enabled:      true,
		Health:       HealthUnknown,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Capabilities == nil {
		t.Capabilities = []string{}
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	t.recomputeStatus()

	r.mu.Lock()
	if _, taken := r.byName[req.Name]; taken {
		r.mu.Unlock()
		return nil, errors.Conflict("target name already in use: " + req.Name)
	}
	r.targets[t.ID] = t
	r.byName[t.Name] = t.ID
	snapshot := *t
	r.mu.Unlock()

	r.logger.Info("target registered",
		zap.String("target_id", t.ID),
		zap.String("target_name", t.Name),
		zap.String("mechanism", t.Mechanism))

	r.publish(events.TargetRegistered, &snapshot, nil)
	return &snapshot, nil
}

// Update patches a target and bumps UpdatedAt.
func (r *Registry) Update(id string, req UpdateRequest) (*Target, error) {
	if req.AgentType != nil && !agent.ValidAgentType(*req.AgentType) {
		return nil, errors.BadRequest("unknown agent type: " + *req.AgentType)
	}

	r.mu.Lock()
	t, exists := r.targets[id]
	if !exists {
		r.mu.Unlock()
		return nil, errors.NotFound("target", id)
	}
	if req.Name != nil && *req.Name != t.Name {
		if _, taken := r.byName[*req.Name]; taken {
			r.mu.Unlock()
			return nil, errors.Conflict("target name already in use: " + *req.Name)
		}
		delete(r.byName, t.Name)
		t.Name = *req.Name
		r.byName[t.Name] = id
	}
	if req.AgentType != nil {
		t.AgentType = *req.AgentType
	}
	if req.Capabilities != nil {
		t.Capabilities = req.Capabilities
	}
	if req.Boundaries != nil {
		t.Boundaries = req.Boundaries
	}
	if req.Mechanism != nil {
		t.Mechanism = *req.Mechanism
	}
	if req.Config != nil {
		t.Config = req.Config
	}
	if req.MaxInstances != nil {
		t.MaxInstances = *req.MaxInstances
	}
	t.UpdatedAt = time.Now().UTC()
	t.recomputeStatus()
	snapshot := *t
	r.mu.Unlock()

	r.publish(events.TargetUpdated, &snapshot, &events.TargetEventPayload{NewStatus: snapshot.Status})
	return &snapshot, nil
}

// Enable turns a target back on.
func (r *Registry) Enable(id string) (*Target, error) {
	r.mu.Lock()
	t, exists := r.targets[id]
	if !exists {
		r.mu.Unlock()
		return nil, errors.NotFound("target", id)
	}
	t.Enabled = true
	t.UpdatedAt = time.Now().UTC()
	t.recomputeStatus()
	snapshot := *t
	r.mu.Unlock()

	r.publish(events.TargetUpdated, &snapshot, &events.TargetEventPayload{NewStatus: snapshot.Status})
	return &snapshot, nil
}

// Disable turns a target off. Disabling an already disabled target is a
// no-op success; the second return reports that case.
func (r *Registry) Disable(id string) (*Target, bool, error) {
	r.mu.Lock()
	t, exists := r.targets[id]
	if !exists {
		r.mu.Unlock()
		return nil, false, errors.NotFound("target", id)
	}
	if !t.Enabled {
		snapshot := *t
		r.mu.Unlock()
		return &snapshot, true, nil
	}
	t.Enabled = false
	t.UpdatedAt = time.Now().UTC()
	t.recomputeStatus()
	snapshot := *t
	r.mu.Unlock()

	r.publish(events.TargetDisabled, &snapshot, &events.TargetEventPayload{NewStatus: StatusDisabled})
	return &snapshot, false, nil
}

// Remove deletes a target.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	t, exists := r.targets[id]
	if !exists {
		r.mu.Unlock()
		return errors.NotFound("target", id)
	}
	delete(r.targets, id)
	delete(r.byName, t.Name)
	snapshot := *t
	r.mu.Unlock()

	r.logger.Info("target removed", zap.String("target_id", id), zap.String("target_name", snapshot.Name))
	r.publish(events.TargetRemoved, &snapshot, nil)
	return nil
}

// Get returns a copy of the target.
func (r *Registry) Get(id string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.targets[id]
	if !exists {
		return nil, errors.NotFound("target", id)
	}
	return t.copy(), nil
}

// GetByName resolves a target by its project-unique name.
func (r *Registry) GetByName(name string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byName[name]
	if !exists {
		return nil, errors.NotFound("target", name)
	}
	return r.targets[id].copy(), nil
}

// List returns matching targets ordered by creation time. The order is
// stable so cursor pagination stays consistent across requests.
func (r *Registry) List(f Filter) []*Target {
	r.mu.RLock()
	out := make([]*Target, 0, len(r.targets))
	for _, t := range r.targets {
		if f.matches(t) {
			out = append(out, t.copy())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindForWork picks the first enabled target able to serve the given
// capability and boundary, preferring available over in-use. Used when a
// work item has no live agent to take it.
func (r *Registry) FindForWork(capability, boundary, agentType string) (*Target, bool) {
	candidates := r.List(Filter{AgentType: agentType})

	var fallback *Target
	for _, t := range candidates {
		if !t.Enabled || t.atCapacity() {
			continue
		}
		if capability != "" && !containsString(t.Capabilities, capability) {
			continue
		}
		if boundary != "" && !t.hasBoundary(boundary) {
			continue
		}
		if t.Status == StatusAvailable {
			return t, true
		}
		if fallback == nil {
			fallback = t
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// Test probes the target's mechanism and records the health outcome.
// A health change announces target:health-changed; repeating the known
// state stays quiet. The first probe always announces because targets
// start out unknown.
func (r *Registry) Test(ctx context.Context, id string) (*TestResult, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	var probeErr error
	mech, known := r.mechanisms[t.Mechanism]
	if !known {
		probeErr = errors.BadRequest("unknown mechanism: " + t.Mechanism)
	} else {
		probeErr = mech.Probe(ctx, t)
	}
	health := HealthHealthy
	if probeErr != nil {
		health = HealthUnhealthy
	}

	result := &TestResult{
		TargetID:  id,
		Health:    health,
		CheckedAt: time.Now().UTC(),
	}
	if probeErr != nil {
		result.Error = probeErr.Error()
	}

	r.mu.Lock()
	t, exists := r.targets[id]
	if !exists {
		r.mu.Unlock()
		return nil, errors.NotFound("target", id)
	}
	changed := t.Health != health
	t.Health = health
	t.UpdatedAt = result.CheckedAt
	snapshot := *t
	r.mu.Unlock()

	if changed {
		r.logger.Info("target health changed",
			zap.String("target_id", id),
			zap.String("health", health))
		r.publish(events.TargetHealthChanged, &snapshot, nil)
	}
	return result, nil
}

// TriggerSpinUp asks a target to bring a new agent online. idOrName is
// resolved as an ID first, then as a name. The mechanism runs in the
// background; its outcome lands through RecordSpinUpOutcome, so
// LastSpinUp stays untouched while an attempt is in flight.
func (r *Registry) TriggerSpinUp(ctx context.Context, idOrName, workItemID string) (*Target, error) {
	r.mu.Lock()
	t, exists := r.targets[idOrName]
	if !exists {
		id, byName := r.byName[idOrName]
		if !byName {
			r.mu.Unlock()
			return nil, errors.NotFound("target", idOrName)
		}
		t = r.targets[id]
	}
	if !t.Enabled {
		r.mu.Unlock()
		return nil, errors.Conflict("target is disabled: " + t.Name)
	}
	if t.atCapacity() {
		r.mu.Unlock()
		return nil, errors.Conflict("target is at capacity: " + t.Name)
	}
	snapshot := *t
	r.mu.Unlock()

	metrics.SpinUpsTotal.WithLabelValues("triggered").Inc()
	r.logger.Info("spin-up triggered",
		zap.String("target_id", snapshot.ID),
		zap.String("target_name", snapshot.Name),
		zap.String("work_item_id", workItemID))
	r.publishSpinUp(events.SpinUpTriggered, &snapshot, &SpinUpRecord{WorkItemID: workItemID})

	mech, known := r.mechanisms[snapshot.Mechanism]
	if !known {
		r.RecordSpinUpOutcome(snapshot.ID, SpinUpRecord{
			Outcome:    OutcomeFailure,
			WorkItemID: workItemID,
			Error:      "unknown mechanism: " + snapshot.Mechanism,
		})
		if current, err := r.Get(snapshot.ID); err == nil {
			return current, nil
		}
		return &snapshot, nil
	}

	r.publishSpinUp(events.SpinUpStarted, &snapshot, &SpinUpRecord{WorkItemID: workItemID})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := mech.SpinUp(context.WithoutCancel(ctx), &snapshot, workItemID); err != nil {
			r.RecordSpinUpOutcome(snapshot.ID, SpinUpRecord{
				Outcome:    OutcomeFailure,
				WorkItemID: workItemID,
				Error:      err.Error(),
			})
			return
		}
		r.RecordSpinUpOutcome(snapshot.ID, SpinUpRecord{
			Outcome:    OutcomeSuccess,
			WorkItemID: workItemID,
		})
	}()
	return &snapshot, nil
}

// RecordSpinUpOutcome lands the result of a spin-up attempt. Mechanisms
// that hand off asynchronously report through here as well, optionally
// naming the agent that came online. A success claims an instance slot.
func (r *Registry) RecordSpinUpOutcome(id string, rec SpinUpRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	r.mu.Lock()
	t, exists := r.targets[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	t.LastSpinUp = &rec
	if rec.Outcome == OutcomeSuccess {
		t.ActiveInstances++
	}
	t.UpdatedAt = rec.Time
	t.recomputeStatus()
	snapshot := *t
	r.mu.Unlock()

	metrics.SpinUpsTotal.WithLabelValues(rec.Outcome).Inc()
	switch rec.Outcome {
	case OutcomeSuccess:
		r.logger.Info("spin-up succeeded", zap.String("target_id", id))
		r.publishSpinUp(events.SpinUpCompleted, &snapshot, &rec)
	case OutcomeFailure:
		r.logger.Warn("spin-up failed", zap.String("target_id", id), zap.String("error", rec.Error))
		r.publishSpinUp(events.SpinUpFailed, &snapshot, &rec)
	}
}

// ReleaseInstance frees an instance slot, typically when a spun-up agent
// shuts down.
func (r *Registry) ReleaseInstance(id string) {
	r.mu.Lock()
	t, exists := r.targets[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	if t.ActiveInstances > 0 {
		t.ActiveInstances--
	}
	t.UpdatedAt = time.Now().UTC()
	t.recomputeStatus()
	r.mu.Unlock()
}

// Count returns the number of registered targets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Stats returns the target census.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.targets)}
	for _, t := range r.targets {
		switch t.Status {
		case StatusAvailable:
			stats.Available++
		case StatusInUse:
			stats.InUse++
		case StatusDisabled:
			stats.Disabled++
		}
	}
	return stats
}

func (t *Target) copy() *Target {
	snapshot := *t
	if t.LastSpinUp != nil {
		record := *t.LastSpinUp
		snapshot.LastSpinUp = &record
	}
	return &snapshot
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func (r *Registry) publish(eventType string, t *Target, payload *events.TargetEventPayload) {
	if r.bus == nil {
		return
	}
	if payload == nil {
		payload = &events.TargetEventPayload{}
	}
	payload.TargetID = t.ID
	payload.Name = t.Name
	payload.AgentType = t.AgentType
	payload.Mechanism = t.Mechanism
	payload.Capabilities = t.Capabilities
	payload.Boundaries = t.Boundaries
	payload.Health = t.Health
	if payload.Status == "" && payload.NewStatus == "" {
		payload.Status = t.Status
	}
	r.bus.Publish(events.New(eventType, r.projectID, payload))
}

func (r *Registry) publishSpinUp(eventType string, t *Target, rec *SpinUpRecord) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.New(eventType, r.projectID, &events.SpinUpEventPayload{
		TargetID:   t.ID,
		TargetName: t.Name,
		Mechanism:  t.Mechanism,
		WorkItemID: rec.WorkItemID,
		Outcome:    rec.Outcome,
		Agent:      rec.Agent,
		Error:      rec.Error,
	}))
}
