package work

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/metrics"
)

// AgentResolver enriches work events with the registered identity behind
// an agent GUID. A nil resolver or unknown GUID leaves events carrying
// the bare GUID.
type AgentResolver interface {
	Summary(guid string) *events.AgentRef
}

// Config tunes the coordinator's stale sweep.
type Config struct {
	CleanupInterval time.Duration // sweep cadence
	StaleThreshold  time.Duration // assigned-but-silent cutoff
	MaxAttempts     int           // delivery attempts before a stale item fails for good
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: time.Minute,
		StaleThreshold:  5 * time.Minute,
		MaxAttempts:     3,
	}
}

// Coordinator owns every work item of one project. All mutations happen
// under the lock and publish exactly one event after the lock is
// released, so listeners observe transitions in commit order and may
// call back into the coordinator.
type Coordinator struct {
	projectID string
	bus       *bus.Bus
	agents    AgentResolver
	config    Config
	logger    *logger.Logger

	mu    sync.RWMutex
	items map[string]*Item

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator for one project. The stale reaper
// is not running until Start is called.
func NewCoordinator(projectID string, b *bus.Bus, agents AgentResolver, cfg Config, log *logger.Logger) *Coordinator {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Coordinator{
		projectID: projectID,
		bus:       b,
		agents:    agents,
		config:    cfg,
		logger:    log.WithComponent("coordinator").WithProjectID(projectID),
		items:     make(map[string]*Item),
	}
}

// Submit registers a new pending item and announces it. TaskID is
// generated when the producer did not supply one.
func (c *Coordinator) Submit(req SubmitRequest) (*Item, error) {
	if req.Capability == "" {
		return nil, errors.BadRequest("capability is required")
	}
	if req.Boundary == "" {
		return nil, errors.BadRequest("boundary is required")
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, errors.BadRequest(fmt.Sprintf("priority must be between %d and %d", MinPriority, MaxPriority))
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	item := &Item{
		ID:                 uuid.New().String(),
		TaskID:             taskID,
		Description:        req.Description,
		Capability:         req.Capability,
		Boundary:           req.Boundary,
		Priority:           priority,
		Deadline:           req.Deadline,
		ContextData:        req.ContextData,
		PreferredAgentType: req.PreferredAgentType,
		RequiredAgentType:  req.RequiredAgentType,
		Status:             StatusPending,
		OfferedAt:          time.Now().UTC(),
	}

	c.mu.Lock()
	c.items[item.ID] = item
	snapshot := *item
	c.mu.Unlock()

	c.logger.Info("Work item submitted",
		zap.String("work_item_id", item.ID),
		zap.String("capability", item.Capability),
		zap.Int("priority", item.Priority))
	c.publish(events.WorkSubmitted, &snapshot, nil)

	return &snapshot, nil
}

// Claim hands a pending item to an agent. Claiming anything but a
// pending item is a conflict: the losing side of a claim race gets the
// error and the item keeps its first assignee, with no event emitted.
func (c *Coordinator) Claim(id, agentGUID string) (*Item, error) {
	if agentGUID == "" {
		return nil, errors.BadRequest("agentGuid is required")
	}

	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound("work item", id)
	}
	if item.Status != StatusPending {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("work item %s cannot be claimed from status %s", id, item.Status))
	}
	if item.Attempts >= c.config.MaxAttempts {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("work item %s has exhausted its %d attempts", id, c.config.MaxAttempts))
	}

	now := time.Now().UTC()
	item.Status = StatusAssigned
	item.AssignedTo = agentGUID
	item.AssignedAt = &now
	item.Attempts++
	snapshot := *item
	c.mu.Unlock()

	c.publish(events.WorkAssigned, &snapshot, nil)
	return &snapshot, nil
}

// StartWork moves an assigned item to in-progress.
func (c *Coordinator) StartWork(id string) (*Item, error) {
	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound("work item", id)
	}
	if item.Status != StatusAssigned {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("work item %s cannot start from status %s", id, item.Status))
	}

	item.Status = StatusInProgress
	snapshot := *item
	c.mu.Unlock()

	c.publish(events.WorkStarted, &snapshot, nil)
	return &snapshot, nil
}

// UpdateProgress records progress on an assigned or in-progress item.
// Out-of-range values clamp to [0, 100]; the status itself is untouched.
func (c *Coordinator) UpdateProgress(id string, progress int, note string) (*Item, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound("work item", id)
	}
	if item.Status != StatusAssigned && item.Status != StatusInProgress {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("work item %s does not accept progress in status %s", id, item.Status))
	}

	item.Progress = progress
	snapshot := *item
	c.mu.Unlock()

	c.publish(events.WorkProgress, &snapshot, func(p *events.WorkEventPayload) {
		p.Progress = &snapshot.Progress
		p.Note = note
	})
	return &snapshot, nil
}

// Complete finishes an item from any non-terminal status. Workers that
// negotiated out of band may report completion without ever claiming,
// so there is no assignee check.
func (c *Coordinator) Complete(id string, output any, summary string) (*Item, error) {
	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound("work item", id)
	}
	if IsTerminal(item.Status) {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("work item %s is already %s", id, item.Status))
	}

	now := time.Now().UTC()
	item.Status = StatusCompleted
	item.Progress = 100
	item.Result = &Result{Summary: summary, Output: output, CompletedAt: now}
	item.terminalAt = now
	snapshot := *item
	c.mu.Unlock()

	c.publish(events.WorkCompleted, &snapshot, func(p *events.WorkEventPayload) {
		p.Result = snapshot.Result
	})
	return &snapshot, nil
}

// Fail marks an item failed from any non-terminal status.
func (c *Coordinator) Fail(id, message string, recoverable bool) (*Item, error) {
	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound("work item", id)
	}
	if IsTerminal(item.Status) {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("work item %s is already %s", id, item.Status))
	}

	now := time.Now().UTC()
	item.Status = StatusFailed
	item.Error = &Failure{Message: message, Recoverable: recoverable, OccurredAt: now}
	item.terminalAt = now
	snapshot := *item
	c.mu.Unlock()

	c.publish(events.WorkFailed, &snapshot, func(p *events.WorkEventPayload) {
		p.Error = snapshot.Error
	})
	return &snapshot, nil
}

// Cancel withdraws an item from any non-terminal status.
func (c *Coordinator) Cancel(id, reason string) (*Item, error) {
	c.mu.Lock()
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NotFound("work item", id)
	}
	if IsTerminal(item.Status) {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("work item %s is already %s", id, item.Status))
	}

	item.Status = StatusCancelled
	item.terminalAt = time.Now().UTC()
	snapshot := *item
	c.mu.Unlock()

	c.publish(events.WorkCancelled, &snapshot, func(p *events.WorkEventPayload) {
		p.Reason = reason
	})
	return &snapshot, nil
}

// Get returns a copy of one item.
func (c *Coordinator) Get(id string) (*Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	if !ok {
		return nil, errors.NotFound("work item", id)
	}
	snapshot := *item
	return &snapshot, nil
}

// List returns copies of all items matching the filter, ordered by
// priority (high first) then submission time (old first).
func (c *Coordinator) List(filter Filter) []*Item {
	c.mu.RLock()
	matched := make([]*Item, 0, len(c.items))
	for _, item := range c.items {
		if filter.matches(item) {
			snapshot := *item
			matched = append(matched, &snapshot)
		}
	}
	c.mu.RUnlock()

	sortItems(matched)
	return matched
}

// PendingWork is the claim-candidate view: pending items matching the
// optional capability and boundary, best candidates first. A positive
// limit truncates the result. Dispatch stays pull-based; listing has no
// side effects.
func (c *Coordinator) PendingWork(capability, boundary string, limit int) []*Item {
	pending := c.List(Filter{Status: StatusPending, Capability: capability, Boundary: boundary})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending
}

// Stats counts items per snapshot bucket. The failed bucket absorbs
// cancelled items.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Total: len(c.items)}
	for _, item := range c.items {
		switch item.Status {
		case StatusPending:
			s.Pending++
		case StatusAssigned, StatusInProgress:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed, StatusCancelled:
			s.Failed++
		}
	}
	return s
}

// sortItems orders by priority descending, then OfferedAt ascending so
// equal priorities drain oldest first.
func sortItems(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].OfferedAt.Before(items[j].OfferedAt)
	})
}

// publish emits one event for a committed transition. Enrichment is best
// effort: when the assignee is still registered its summary rides along.
func (c *Coordinator) publish(eventType string, item *Item, extra func(*events.WorkEventPayload)) {
	payload := &events.WorkEventPayload{
		WorkItemID: item.ID,
		TaskID:     item.TaskID,
		Capability: item.Capability,
		Boundary:   item.Boundary,
		Priority:   item.Priority,
		Status:     item.Status,
		Attempts:   item.Attempts,
		AssignedTo: item.AssignedTo,
	}
	if item.AssignedTo != "" && c.agents != nil {
		payload.Agent = c.agents.Summary(item.AssignedTo)
	}
	if extra != nil {
		extra(payload)
	}

	c.bus.Publish(events.New(eventType, c.projectID, payload))
	if eventType != events.WorkProgress {
		metrics.WorkTransitionsTotal.WithLabelValues(item.Status).Inc()
	}
}
