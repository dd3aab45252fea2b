// Package batch executes multi-entity operations against one project's
// registries. Every id in a batch is processed; per-id failures are
// recorded in the shared result shape and never abort the rest.
package batch

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/target"
	"github.com/weftdev/weft/internal/work"
)

// Result is the accounting shared by every batch operation. Count always
// equals len(Success). SuccessRate is a 0-100 percentage rounded to two
// decimals; zero processed means rate zero, not NaN.
type Result struct {
	Success        []string          `json:"success"`
	Failed         []string          `json:"failed"`
	Count          int               `json:"count"`
	Errors         map[string]string `json:"errors"`
	TotalProcessed int               `json:"totalProcessed"`
	SuccessRate    float64           `json:"successRate"`
	CompletedAt    time.Time         `json:"completedAt"`
}

func newResult() Result {
	return Result{Success: []string{}, Failed: []string{}, Errors: map[string]string{}}
}

func (r *Result) succeed(id string) {
	r.Success = append(r.Success, id)
}

func (r *Result) fail(id string, err error) {
	r.Failed = append(r.Failed, id)
	r.Errors[id] = reason(err)
}

// finalize stamps the derived fields once every id is processed.
func (r *Result) finalize() {
	r.Count = len(r.Success)
	r.TotalProcessed = len(r.Success) + len(r.Failed)
	if r.TotalProcessed > 0 {
		r.SuccessRate = math.Round(float64(r.Count)/float64(r.TotalProcessed)*10000) / 100
	}
	r.CompletedAt = time.Now().UTC()
}

// reason keeps the per-id error map free of error-code prefixes.
func reason(err error) string {
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr.Message
	}
	return err.Error()
}

// validSelector enforces the ids-xor-filter contract shared by all batch
// endpoints: exactly one of the two must be present.
func validSelector(ids []string, hasFilter bool) error {
	if (len(ids) > 0) == hasFilter {
		return errors.BadRequest("Either filter or ids must be provided")
	}
	return nil
}

// AgentFilter selects agents by registry attributes. Empty fields match
// everything, so `"filter": {}` addresses the whole pool.
type AgentFilter struct {
	AgentType  string `json:"agentType,omitempty"`
	Status     string `json:"status,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// WorkFilter selects work items by coordinator attributes.
type WorkFilter struct {
	Status     string `json:"status,omitempty"`
	Capability string `json:"capability,omitempty"`
	Boundary   string `json:"boundary,omitempty"`
	AssignedTo string `json:"assignedTo,omitempty"`
}

// TargetFilter selects spin-up targets by registry attributes.
type TargetFilter struct {
	Mechanism string `json:"mechanism,omitempty"`
	Status    string `json:"status,omitempty"`
	AgentType string `json:"agentType,omitempty"`
}

// ShutdownAgentsRequest selects agents by explicit GUIDs or by filter,
// never both. Grace period and reason are advisory.
type ShutdownAgentsRequest struct {
	AgentGUIDs    []string     `json:"agentGuids,omitempty"`
	Filter        *AgentFilter `json:"filter,omitempty"`
	Graceful      bool         `json:"graceful,omitempty"`
	GracePeriodMs int          `json:"gracePeriodMs,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// ShutdownAgentsResult lists the GUIDs that were actually removed.
type ShutdownAgentsResult struct {
	Result
	ShutdownAgents []string `json:"shutdownAgents"`
	Graceful       bool     `json:"graceful"`
}

// CancelWorkRequest selects work items by explicit ids or by filter.
// Reassign resubmits each cancelled item as a fresh pending copy.
type CancelWorkRequest struct {
	WorkItemIDs []string    `json:"workItemIds,omitempty"`
	Filter      *WorkFilter `json:"filter,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Reassign    bool        `json:"reassign,omitempty"`
}

// CancelWorkResult separates the cancelled ids from the ids of any
// replacement items minted by reassignment. Terminal items appear in
// both Failed and NotCancellable.
type CancelWorkResult struct {
	Result
	CancelledItems  []string `json:"cancelledItems"`
	ReassignedItems []string `json:"reassignedItems"`
	NotCancellable  []string `json:"notCancellable"`
}

// DisableTargetsRequest selects targets by explicit ids or by filter.
type DisableTargetsRequest struct {
	TargetIDs []string      `json:"targetIds,omitempty"`
	Filter    *TargetFilter `json:"filter,omitempty"`
}

// DisableTargetsResult splits newly disabled targets from ones that were
// already disabled. Both count as success.
type DisableTargetsResult struct {
	Result
	DisabledTargets []string `json:"disabledTargets"`
	AlreadyDisabled []string `json:"alreadyDisabled"`
}

// Runner executes batch operations against one project's registries.
type Runner struct {
	agents  *agent.Registry
	work    *work.Coordinator
	targets *target.Registry
	logger  *logger.Logger
}

// NewRunner binds a runner to one project's registries. The log is used
// as handed in; callers scope it.
func NewRunner(agents *agent.Registry, w *work.Coordinator, targets *target.Registry, log *logger.Logger) *Runner {
	return &Runner{
		agents:  agents,
		work:    w,
		targets: targets,
		logger:  log,
	}
}

// ShutdownAgents removes the selected agents from the registry. Unknown
// GUIDs land in Failed without aborting the rest. Connected agents learn
// about the shutdown from the agent:shutdown event; the grace period and
// reason travel no further than the log.
func (r *Runner) ShutdownAgents(req ShutdownAgentsRequest) (*ShutdownAgentsResult, error) {
	if err := validSelector(req.AgentGUIDs, req.Filter != nil); err != nil {
		return nil, err
	}
	guids := req.AgentGUIDs
	if req.Filter != nil {
		for _, a := range r.agents.List(agent.Filter{
			AgentType:  req.Filter.AgentType,
			Status:     req.Filter.Status,
			Capability: req.Filter.Capability,
		}) {
			guids = append(guids, a.GUID)
		}
	}

	res := &ShutdownAgentsResult{Result: newResult(), ShutdownAgents: []string{}, Graceful: req.Graceful}
	for _, guid := range guids {
		if err := r.agents.Shutdown(guid, req.Graceful); err != nil {
			res.fail(guid, err)
			continue
		}
		res.succeed(guid)
		res.ShutdownAgents = append(res.ShutdownAgents, guid)
	}
	res.finalize()

	r.logger.Info("agent shutdown batch finished",
		zap.Int("processed", res.TotalProcessed),
		zap.Int("succeeded", res.Count),
		zap.Bool("graceful", req.Graceful),
		zap.Int("grace_period_ms", req.GracePeriodMs),
		zap.String("reason", req.Reason))
	return res, nil
}

// CancelWork cancels the selected items. Items already in a terminal
// state are recorded in Failed and NotCancellable with a per-id error.
// With Reassign set, every cancelled item is resubmitted as a fresh
// pending copy carrying the same routing tags, priority, and task id.
func (r *Runner) CancelWork(req CancelWorkRequest) (*CancelWorkResult, error) {
	if err := validSelector(req.WorkItemIDs, req.Filter != nil); err != nil {
		return nil, err
	}
	ids := req.WorkItemIDs
	if req.Filter != nil {
		for _, item := range r.work.List(work.Filter{
			Status:     req.Filter.Status,
			Capability: req.Filter.Capability,
			Boundary:   req.Filter.Boundary,
			AssignedTo: req.Filter.AssignedTo,
		}) {
			ids = append(ids, item.ID)
		}
	}

	res := &CancelWorkResult{
		Result:          newResult(),
		CancelledItems:  []string{},
		ReassignedItems: []string{},
		NotCancellable:  []string{},
	}
	for _, id := range ids {
		item, err := r.work.Cancel(id, req.Reason)
		if err != nil {
			res.fail(id, err)
			if errors.IsConflict(err) {
				res.NotCancellable = append(res.NotCancellable, id)
			}
			continue
		}
		res.succeed(id)
		res.CancelledItems = append(res.CancelledItems, id)

		if !req.Reassign {
			continue
		}
		replacement, err := r.work.Submit(work.SubmitRequest{
			TaskID:             item.TaskID,
			Description:        item.Description,
			Capability:         item.Capability,
			Boundary:           item.Boundary,
			Priority:           item.Priority,
			Deadline:           item.Deadline,
			ContextData:        item.ContextData,
			PreferredAgentType: item.PreferredAgentType,
			RequiredAgentType:  item.RequiredAgentType,
		})
		if err != nil {
			// The cancel stuck, so the id stays successful; only the
			// reassignment is reported.
			res.Errors[id] = "reassign failed: " + reason(err)
			continue
		}
		res.ReassignedItems = append(res.ReassignedItems, replacement.ID)
	}
	res.finalize()

	r.logger.Info("work cancel batch finished",
		zap.Int("processed", res.TotalProcessed),
		zap.Int("succeeded", res.Count),
		zap.Int("reassigned", len(res.ReassignedItems)),
		zap.String("reason", req.Reason))
	return res, nil
}

// DisableTargets disables the selected targets. A target that was
// already disabled counts as success and is additionally listed in
// AlreadyDisabled; disabling is idempotent here just as it is on the
// single-target endpoint.
func (r *Runner) DisableTargets(req DisableTargetsRequest) (*DisableTargetsResult, error) {
	if err := validSelector(req.TargetIDs, req.Filter != nil); err != nil {
		return nil, err
	}
	ids := req.TargetIDs
	if req.Filter != nil {
		for _, t := range r.targets.List(target.Filter{
			Mechanism: req.Filter.Mechanism,
			Status:    req.Filter.Status,
			AgentType: req.Filter.AgentType,
		}) {
			ids = append(ids, t.ID)
		}
	}

	res := &DisableTargetsResult{Result: newResult(), DisabledTargets: []string{}, AlreadyDisabled: []string{}}
	for _, id := range ids {
		tgt, already, err := r.targets.Disable(id)
		if err != nil {
			res.fail(id, err)
			continue
		}
		res.succeed(tgt.ID)
		if already {
			res.AlreadyDisabled = append(res.AlreadyDisabled, tgt.ID)
		} else {
			res.DisabledTargets = append(res.DisabledTargets, tgt.ID)
		}
	}
	res.finalize()

	r.logger.Info("target disable batch finished",
		zap.Int("processed", res.TotalProcessed),
		zap.Int("succeeded", res.Count),
		zap.Int("already_disabled", len(res.AlreadyDisabled)))
	return res, nil
}
