package batch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/target"
	"github.com/weftdev/weft/internal/work"
)

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) record(e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
	return nil
}

func (l *eventLog) tail(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.types) < n {
		n = len(l.types)
	}
	return append([]string(nil), l.types[len(l.types)-n:]...)
}

type fixture struct {
	runner  *Runner
	work    *work.Coordinator
	agents  *agent.Registry
	targets *target.Registry
	events  *eventLog
}

func setupRunner(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := bus.New(log)
	rec := &eventLog{}
	b.Subscribe(bus.Wildcard, rec.record)

	agents := agent.NewRegistry("alpha", b, log)
	coord := work.NewCoordinator("alpha", b, agents, work.Config{}, log)
	targets := target.NewRegistry("alpha", b, target.Mechanisms{}, log)

	return &fixture{
		runner:  NewRunner(agents, coord, targets, log),
		work:    coord,
		agents:  agents,
		targets: targets,
		events:  rec,
	}
}

func registerAgent(t *testing.T, f *fixture, guid, agentType string) {
	t.Helper()
	_, err := f.agents.Register(agent.RegisterRequest{
		GUID:         guid,
		AgentType:    agentType,
		Capabilities: []string{"code-review"},
	})
	require.NoError(t, err)
}

func registerTarget(t *testing.T, f *fixture, name string) *target.Target {
	t.Helper()
	tgt, err := f.targets.Register(target.RegisterRequest{
		Name:      name,
		AgentType: agent.TypeClaudeCode,
		Mechanism: "webhook",
	})
	require.NoError(t, err)
	return tgt
}

func submitWork(t *testing.T, f *fixture, req work.SubmitRequest) *work.Item {
	t.Helper()
	if req.Capability == "" {
		req.Capability = "code-review"
	}
	if req.Boundary == "" {
		req.Boundary = "backend"
	}
	item, err := f.work.Submit(req)
	require.NoError(t, err)
	return item
}

func TestSelectorValidation(t *testing.T) {
	f := setupRunner(t)

	t.Run("neither ids nor filter", func(t *testing.T) {
		_, err := f.runner.ShutdownAgents(ShutdownAgentsRequest{})
		require.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))
		assert.Contains(t, err.Error(), "Either filter or ids must be provided")
	})

	t.Run("both ids and filter", func(t *testing.T) {
		_, err := f.runner.CancelWork(CancelWorkRequest{
			WorkItemIDs: []string{"w-1"},
			Filter:      &WorkFilter{Status: work.StatusPending},
		})
		require.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))
	})

	t.Run("empty filter object is a valid selector", func(t *testing.T) {
		res, err := f.runner.DisableTargets(DisableTargetsRequest{Filter: &TargetFilter{}})
		require.NoError(t, err)
		assert.Zero(t, res.TotalProcessed)
		assert.Zero(t, res.SuccessRate)
		assert.Zero(t, res.Count)
		assert.Empty(t, res.Success)
		assert.False(t, res.CompletedAt.IsZero())
	})
}

func TestShutdownAgentsBatch(t *testing.T) {
	f := setupRunner(t)
	registerAgent(t, f, "agent-1", agent.TypeClaudeCode)
	registerAgent(t, f, "agent-2", agent.TypeClaudeCode)
	registerAgent(t, f, "agent-3", agent.TypeCopilotCLI)

	res, err := f.runner.ShutdownAgents(ShutdownAgentsRequest{
		AgentGUIDs: []string{"agent-1", "agent-2", "ghost"},
		Graceful:   true,
		Reason:     "deploy window",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"agent-1", "agent-2"}, res.Success)
	assert.Equal(t, []string{"agent-1", "agent-2"}, res.ShutdownAgents)
	assert.Equal(t, []string{"ghost"}, res.Failed)
	assert.Contains(t, res.Errors["ghost"], "not found")
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 3, res.TotalProcessed)
	assert.InDelta(t, 66.67, res.SuccessRate, 0.001)
	assert.True(t, res.Graceful)
	assert.False(t, res.CompletedAt.IsZero())

	// Only the untouched agent remains registered.
	assert.Equal(t, 1, f.agents.Count())
	_, err = f.agents.Get("agent-3")
	assert.NoError(t, err)
}

func TestShutdownAgentsBatchByFilter(t *testing.T) {
	f := setupRunner(t)
	registerAgent(t, f, "claude-1", agent.TypeClaudeCode)
	registerAgent(t, f, "claude-2", agent.TypeClaudeCode)
	registerAgent(t, f, "copilot-1", agent.TypeCopilotCLI)

	res, err := f.runner.ShutdownAgents(ShutdownAgentsRequest{
		Filter: &AgentFilter{AgentType: agent.TypeClaudeCode},
	})
	require.NoError(t, err)

	assert.Len(t, res.Success, 2)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 100.0, res.SuccessRate)
	assert.Equal(t, 1, f.agents.Count())
}

func TestCancelWorkBatch(t *testing.T) {
	f := setupRunner(t)

	w1 := submitWork(t, f, work.SubmitRequest{})
	w2 := submitWork(t, f, work.SubmitRequest{})
	w3 := submitWork(t, f, work.SubmitRequest{})

	_, err := f.work.Complete(w2.ID, nil, "done early")
	require.NoError(t, err)
	_, err = f.work.Claim(w3.ID, "agent-1")
	require.NoError(t, err)
	_, err = f.work.StartWork(w3.ID)
	require.NoError(t, err)

	res, err := f.runner.CancelWork(CancelWorkRequest{
		WorkItemIDs: []string{w1.ID, w2.ID, w3.ID},
		Reason:      "sprint scrapped",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{w1.ID, w3.ID}, res.Success)
	assert.Equal(t, []string{w1.ID, w3.ID}, res.CancelledItems)
	assert.Equal(t, []string{w2.ID}, res.Failed)
	assert.Equal(t, []string{w2.ID}, res.NotCancellable)
	assert.NotEmpty(t, res.Errors[w2.ID])
	assert.Empty(t, res.ReassignedItems)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 3, res.TotalProcessed)
	assert.InDelta(t, 66.67, res.SuccessRate, 0.001)

	// The completed item is untouched; the others are cancelled.
	current, err := f.work.Get(w2.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusCompleted, current.Status)
	current, err = f.work.Get(w1.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusCancelled, current.Status)
}

func TestCancelWorkBatchReassign(t *testing.T) {
	f := setupRunner(t)

	item := submitWork(t, f, work.SubmitRequest{
		TaskID:      "task-42",
		Priority:    8,
		ContextData: map[string]any{"branch": "main"},
	})
	_, err := f.work.Claim(item.ID, "agent-1")
	require.NoError(t, err)

	res, err := f.runner.CancelWork(CancelWorkRequest{
		WorkItemIDs: []string{item.ID},
		Reassign:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{item.ID}, res.CancelledItems)
	require.Len(t, res.ReassignedItems, 1)
	newID := res.ReassignedItems[0]
	assert.NotEqual(t, item.ID, newID)
	assert.Equal(t, 100.0, res.SuccessRate)

	replacement, err := f.work.Get(newID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusPending, replacement.Status)
	assert.Zero(t, replacement.Attempts)
	assert.Empty(t, replacement.AssignedTo)
	assert.Equal(t, 8, replacement.Priority)
	assert.Equal(t, "task-42", replacement.TaskID)
	assert.Equal(t, item.Capability, replacement.Capability)
	assert.Equal(t, item.Boundary, replacement.Boundary)
	assert.Equal(t, "main", replacement.ContextData["branch"])

	// The replacement is announced after the cancellation.
	assert.Equal(t, []string{events.WorkCancelled, events.WorkSubmitted}, f.events.tail(2))
}

func TestCancelWorkBatchByFilter(t *testing.T) {
	f := setupRunner(t)

	backend1 := submitWork(t, f, work.SubmitRequest{Boundary: "backend"})
	backend2 := submitWork(t, f, work.SubmitRequest{Boundary: "backend"})
	frontend := submitWork(t, f, work.SubmitRequest{Boundary: "frontend"})

	res, err := f.runner.CancelWork(CancelWorkRequest{
		Filter: &WorkFilter{Boundary: "backend"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{backend1.ID, backend2.ID}, res.CancelledItems)
	assert.Equal(t, 100.0, res.SuccessRate)

	untouched, err := f.work.Get(frontend.ID)
	require.NoError(t, err)
	assert.Equal(t, work.StatusPending, untouched.Status)
}

func TestDisableTargetsBatch(t *testing.T) {
	f := setupRunner(t)
	t1 := registerTarget(t, f, "pool-a")
	t2 := registerTarget(t, f, "pool-b")

	_, already, err := f.targets.Disable(t2.ID)
	require.NoError(t, err)
	require.False(t, already)

	res, err := f.runner.DisableTargets(DisableTargetsRequest{
		TargetIDs: []string{t1.ID, t2.ID, "ghost"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{t1.ID, t2.ID}, res.Success)
	assert.Equal(t, []string{t1.ID}, res.DisabledTargets)
	assert.Equal(t, []string{t2.ID}, res.AlreadyDisabled)
	assert.Equal(t, []string{"ghost"}, res.Failed)
	assert.InDelta(t, 66.67, res.SuccessRate, 0.001)

	t.Run("repeat run is all success", func(t *testing.T) {
		res, err := f.runner.DisableTargets(DisableTargetsRequest{
			TargetIDs: []string{t1.ID, t2.ID},
		})
		require.NoError(t, err)

		assert.Equal(t, []string{t1.ID, t2.ID}, res.Success)
		assert.Empty(t, res.Failed)
		assert.Equal(t, []string{t1.ID, t2.ID}, res.AlreadyDisabled)
		assert.Empty(t, res.DisabledTargets)
		assert.Equal(t, 100.0, res.SuccessRate)
	})
}
