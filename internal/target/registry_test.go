package target

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
)

type fakeMechanism struct {
	mu       sync.Mutex
	spinUps  []string
	spinErr  error
	probeErr error
}

func (f *fakeMechanism) SpinUp(_ context.Context, t *Target, workItemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spinUps = append(f.spinUps, t.Name+"/"+workItemID)
	return f.spinErr
}

func (f *fakeMechanism) Probe(_ context.Context, _ *Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeMechanism) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

type eventLog struct {
	mu     sync.Mutex
	events []*events.Event
}

func (l *eventLog) record(e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) last() *events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return nil
	}
	return l.events[len(l.events)-1]
}

func setupTargets(t *testing.T) (*Registry, *eventLog, *fakeMechanism) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := bus.New(log)
	rec := &eventLog{}
	b.Subscribe(bus.Wildcard, rec.record)

	mech := &fakeMechanism{}
	r := NewRegistry("alpha", b, Mechanisms{"webhook": mech}, log)
	return r, rec, mech
}

func registerTarget(t *testing.T, r *Registry, name string) *Target {
	t.Helper()
	tgt, err := r.Register(RegisterRequest{
		Name:         name,
		AgentType:    agent.TypeClaudeCode,
		Capabilities: []string{"code-review"},
		Mechanism:    "webhook",
		Config:       map[string]string{"url": "http://example.test/hook"},
		MaxInstances: 2,
	})
	require.NoError(t, err)
	return tgt
}

func TestRegisterTarget(t *testing.T) {
	r, rec, _ := setupTargets(t)

	tgt := registerTarget(t, r, "gpu-pool")
	assert.NotEmpty(t, tgt.ID)
	assert.Equal(t, "alpha", tgt.ProjectID)
	assert.Equal(t, StatusAvailable, tgt.Status)
	assert.True(t, tgt.Enabled)
	assert.Equal(t, HealthUnknown, tgt.Health, "health is unknown until the first probe")
	assert.Nil(t, tgt.LastSpinUp)

	require.Equal(t, []string{events.TargetRegistered}, rec.types())
	payload := rec.last().Data.(*events.TargetEventPayload)
	assert.Equal(t, "gpu-pool", payload.Name)
	assert.Equal(t, StatusAvailable, payload.Status)
	assert.Equal(t, []string{"code-review"}, payload.Capabilities)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		_, err := r.Register(RegisterRequest{Name: "gpu-pool", AgentType: agent.TypeClaudeCode, Mechanism: "webhook"})
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("name required", func(t *testing.T) {
		_, err := r.Register(RegisterRequest{AgentType: agent.TypeClaudeCode, Mechanism: "webhook"})
		require.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))
	})

	t.Run("unknown agent type rejected", func(t *testing.T) {
		_, err := r.Register(RegisterRequest{Name: "x", AgentType: "cursor", Mechanism: "webhook"})
		require.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))
	})

	t.Run("registered disabled when asked", func(t *testing.T) {
		off := false
		tgt, err := r.Register(RegisterRequest{
			Name: "cold-pool", AgentType: agent.TypeClaudeCode, Mechanism: "webhook", Enabled: &off,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusDisabled, tgt.Status)
	})
}

func TestUpdateTarget(t *testing.T) {
	r, rec, _ := setupTargets(t)
	tgt := registerTarget(t, r, "gpu-pool")
	registerTarget(t, r, "cpu-pool")

	name := "turbo-pool"
	five := 5
	updated, err := r.Update(tgt.ID, UpdateRequest{
		Name:         &name,
		MaxInstances: &five,
		Boundaries:   []string{"backend"},
	})
	require.NoError(t, err)
	assert.Equal(t, "turbo-pool", updated.Name)
	assert.Equal(t, 5, updated.MaxInstances)
	assert.Equal(t, []string{"backend"}, updated.Boundaries)
	assert.Equal(t, events.TargetUpdated, rec.last().Type)

	t.Run("old name freed", func(t *testing.T) {
		_, err := r.GetByName("gpu-pool")
		require.Error(t, err)
		byNew, err := r.GetByName("turbo-pool")
		require.NoError(t, err)
		assert.Equal(t, tgt.ID, byNew.ID)
	})

	t.Run("rename onto taken name conflicts", func(t *testing.T) {
		taken := "cpu-pool"
		_, err := r.Update(tgt.ID, UpdateRequest{Name: &taken})
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := r.Update("nope", UpdateRequest{})
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestEnableDisable(t *testing.T) {
	r, rec, _ := setupTargets(t)
	tgt := registerTarget(t, r, "gpu-pool")

	disabled, already, err := r.Disable(tgt.ID)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, StatusDisabled, disabled.Status)
	assert.Equal(t, events.TargetDisabled, rec.last().Type)

	t.Run("second disable is a quiet no-op", func(t *testing.T) {
		before := len(rec.types())
		again, already, err := r.Disable(tgt.ID)
		require.NoError(t, err)
		assert.True(t, already)
		assert.Equal(t, StatusDisabled, again.Status)
		assert.Len(t, rec.types(), before)
	})

	t.Run("enable brings it back", func(t *testing.T) {
		enabled, err := r.Enable(tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusAvailable, enabled.Status)
		assert.Equal(t, events.TargetUpdated, rec.last().Type)
	})
}

func TestRemoveTarget(t *testing.T) {
	r, rec, _ := setupTargets(t)
	tgt := registerTarget(t, r, "gpu-pool")

	require.NoError(t, r.Remove(tgt.ID))
	assert.Equal(t, events.TargetRemoved, rec.last().Type)

	_, err := r.Get(tgt.ID)
	assert.True(t, errors.IsNotFound(err))

	t.Run("name is reusable after removal", func(t *testing.T) {
		registerTarget(t, r, "gpu-pool")
	})
}

func TestListTargets(t *testing.T) {
	r, _, _ := setupTargets(t)

	registerTarget(t, r, "a-pool")
	registerTarget(t, r, "b-pool")
	scripted, err := r.Register(RegisterRequest{
		Name: "scripted", AgentType: agent.TypeCopilotCLI, Mechanism: "script",
	})
	require.NoError(t, err)

	assert.Len(t, r.List(Filter{}), 3)
	assert.Len(t, r.List(Filter{Mechanism: "webhook"}), 2)
	assert.Len(t, r.List(Filter{AgentType: agent.TypeCopilotCLI}), 1)

	_, _, err = r.Disable(scripted.ID)
	require.NoError(t, err)
	disabled := r.List(Filter{Status: StatusDisabled})
	require.Len(t, disabled, 1)
	assert.Equal(t, scripted.ID, disabled[0].ID)
}

func TestHealthProbe(t *testing.T) {
	r, rec, mech := setupTargets(t)
	tgt := registerTarget(t, r, "gpu-pool")

	t.Run("first probe resolves the unknown state", func(t *testing.T) {
		result, err := r.Test(context.Background(), tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, HealthHealthy, result.Health)
		assert.Equal(t, events.TargetHealthChanged, rec.last().Type)
	})

	t.Run("repeat of the known state is quiet", func(t *testing.T) {
		before := len(rec.types())
		result, err := r.Test(context.Background(), tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, HealthHealthy, result.Health)
		assert.Len(t, rec.types(), before)
	})

	t.Run("failure flips health and announces once", func(t *testing.T) {
		mech.setProbeErr(assert.AnError)

		result, err := r.Test(context.Background(), tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, HealthUnhealthy, result.Health)
		assert.NotEmpty(t, result.Error)

		last := rec.last()
		require.Equal(t, events.TargetHealthChanged, last.Type)
		payload := last.Data.(*events.TargetEventPayload)
		assert.Equal(t, HealthUnhealthy, payload.Health)

		current, err := r.Get(tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, HealthUnhealthy, current.Health)
		assert.Equal(t, StatusAvailable, current.Status, "health never folds into status")

		before := len(rec.types())
		_, err = r.Test(context.Background(), tgt.ID)
		require.NoError(t, err)
		assert.Len(t, rec.types(), before, "repeat failure is quiet")
	})

	t.Run("recovery announces again", func(t *testing.T) {
		mech.setProbeErr(nil)
		result, err := r.Test(context.Background(), tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, HealthHealthy, result.Health)
		assert.Equal(t, events.TargetHealthChanged, rec.last().Type)
	})

	t.Run("unknown mechanism probes unhealthy", func(t *testing.T) {
		odd, err := r.Register(RegisterRequest{Name: "odd", AgentType: agent.TypeClaudeCode, Mechanism: "carrier-pigeon"})
		require.NoError(t, err)

		result, err := r.Test(context.Background(), odd.ID)
		require.NoError(t, err)
		assert.Equal(t, HealthUnhealthy, result.Health)
		assert.Contains(t, result.Error, "unknown mechanism")
	})
}

func TestTriggerSpinUp(t *testing.T) {
	r, rec, mech := setupTargets(t)
	tgt := registerTarget(t, r, "gpu-pool")

	snapshot, err := r.TriggerSpinUp(context.Background(), tgt.ID, "work-1")
	require.NoError(t, err)
	assert.Nil(t, snapshot.LastSpinUp, "nothing is recorded while the attempt is in flight")

	r.wg.Wait()

	current, err := r.Get(tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, current.LastSpinUp)
	assert.Equal(t, OutcomeSuccess, current.LastSpinUp.Outcome)
	assert.Equal(t, "work-1", current.LastSpinUp.WorkItemID)
	assert.False(t, current.LastSpinUp.Time.IsZero())
	assert.Equal(t, 1, current.ActiveInstances)
	assert.Equal(t, StatusInUse, current.Status)

	types := rec.types()
	assert.Contains(t, types, events.SpinUpTriggered)
	assert.Contains(t, types, events.SpinUpStarted)
	assert.Contains(t, types, events.SpinUpCompleted)

	mech.mu.Lock()
	assert.Equal(t, []string{"gpu-pool/work-1"}, mech.spinUps)
	mech.mu.Unlock()

	t.Run("resolves by name", func(t *testing.T) {
		_, err := r.TriggerSpinUp(context.Background(), "gpu-pool", "")
		require.NoError(t, err)
		r.wg.Wait()
	})

	t.Run("capacity limit conflicts", func(t *testing.T) {
		// MaxInstances is 2 and both slots are now claimed.
		_, err := r.TriggerSpinUp(context.Background(), tgt.ID, "")
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("release frees a slot", func(t *testing.T) {
		r.ReleaseInstance(tgt.ID)
		_, err := r.TriggerSpinUp(context.Background(), tgt.ID, "")
		require.NoError(t, err)
		r.wg.Wait()
	})
}

func TestTriggerSpinUpGates(t *testing.T) {
	r, rec, _ := setupTargets(t)

	t.Run("unknown target", func(t *testing.T) {
		_, err := r.TriggerSpinUp(context.Background(), "ghost", "")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("disabled target conflicts", func(t *testing.T) {
		tgt := registerTarget(t, r, "cold-pool")
		_, _, err := r.Disable(tgt.ID)
		require.NoError(t, err)

		_, err = r.TriggerSpinUp(context.Background(), tgt.ID, "")
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("unknown mechanism fails the attempt", func(t *testing.T) {
		odd, err := r.Register(RegisterRequest{Name: "odd", AgentType: agent.TypeClaudeCode, Mechanism: "carrier-pigeon"})
		require.NoError(t, err)

		current, err := r.TriggerSpinUp(context.Background(), odd.ID, "work-9")
		require.NoError(t, err)
		require.NotNil(t, current.LastSpinUp)
		assert.Equal(t, OutcomeFailure, current.LastSpinUp.Outcome)
		assert.Contains(t, current.LastSpinUp.Error, "unknown mechanism")

		last := rec.last()
		require.Equal(t, events.SpinUpFailed, last.Type)
		payload := last.Data.(*events.SpinUpEventPayload)
		assert.Equal(t, "work-9", payload.WorkItemID)
		assert.Equal(t, OutcomeFailure, payload.Outcome)
	})
}

func TestSpinUpFailureRecorded(t *testing.T) {
	r, rec, mech := setupTargets(t)
	tgt := registerTarget(t, r, "gpu-pool")
	mech.spinErr = assert.AnError

	_, err := r.TriggerSpinUp(context.Background(), tgt.ID, "work-1")
	require.NoError(t, err)
	r.wg.Wait()

	current, err := r.Get(tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, current.LastSpinUp.Outcome)
	assert.NotEmpty(t, current.LastSpinUp.Error)
	assert.Zero(t, current.ActiveInstances)
	assert.Equal(t, events.SpinUpFailed, rec.last().Type)
}

func TestRecordSpinUpOutcomeWithAgent(t *testing.T) {
	r, rec, _ := setupTargets(t)
	tgt := registerTarget(t, r, "gpu-pool")

	// Asynchronous mechanisms call back with the agent they brought up.
	r.RecordSpinUpOutcome(tgt.ID, SpinUpRecord{
		Outcome:    OutcomeSuccess,
		WorkItemID: "work-7",
		Agent:      &events.AgentRef{GUID: "agent-77", AgentType: agent.TypeClaudeCode},
	})

	current, err := r.Get(tgt.ID)
	require.NoError(t, err)
	require.NotNil(t, current.LastSpinUp)
	require.NotNil(t, current.LastSpinUp.Agent)
	assert.Equal(t, "agent-77", current.LastSpinUp.Agent.GUID)
	assert.Equal(t, 1, current.ActiveInstances)

	last := rec.last()
	require.Equal(t, events.SpinUpCompleted, last.Type)
	payload := last.Data.(*events.SpinUpEventPayload)
	require.NotNil(t, payload.Agent)
	assert.Equal(t, "agent-77", payload.Agent.GUID)
}

func TestFindForWork(t *testing.T) {
	r, _, _ := setupTargets(t)

	_, err := r.Register(RegisterRequest{
		Name:         "review-pool",
		AgentType:    agent.TypeClaudeCode,
		Capabilities: []string{"code-review"},
		Boundaries:   []string{"backend"},
		Mechanism:    "webhook",
	})
	require.NoError(t, err)

	deployer, err := r.Register(RegisterRequest{
		Name:         "deploy-pool",
		AgentType:    agent.TypeCopilotCLI,
		Capabilities: []string{"deploy"},
		Mechanism:    "webhook",
	})
	require.NoError(t, err)

	t.Run("matches capability and boundary", func(t *testing.T) {
		found, ok := r.FindForWork("code-review", "backend", "")
		require.True(t, ok)
		assert.Equal(t, "review-pool", found.Name)
	})

	t.Run("boundary outside the list misses", func(t *testing.T) {
		_, ok := r.FindForWork("code-review", "frontend", "")
		assert.False(t, ok)
	})

	t.Run("empty boundary list covers everything", func(t *testing.T) {
		found, ok := r.FindForWork("deploy", "anything", "")
		require.True(t, ok)
		assert.Equal(t, "deploy-pool", found.Name)
	})

	t.Run("agent type narrows", func(t *testing.T) {
		_, ok := r.FindForWork("code-review", "", agent.TypeCopilotCLI)
		assert.False(t, ok)
	})

	t.Run("in-use targets are a fallback", func(t *testing.T) {
		r.RecordSpinUpOutcome(deployer.ID, SpinUpRecord{Outcome: OutcomeSuccess})
		found, ok := r.FindForWork("deploy", "", "")
		require.True(t, ok)
		assert.Equal(t, "deploy-pool", found.Name)
		assert.Equal(t, StatusInUse, found.Status)
	})

	t.Run("disabled targets never serve", func(t *testing.T) {
		_, _, err := r.Disable(deployer.ID)
		require.NoError(t, err)
		_, ok := r.FindForWork("deploy", "", "")
		assert.False(t, ok)
	})
}

func TestTargetStats(t *testing.T) {
	r, _, mech := setupTargets(t)

	registerTarget(t, r, "open")

	busy := registerTarget(t, r, "busy")
	_, err := r.TriggerSpinUp(context.Background(), busy.ID, "")
	require.NoError(t, err)
	r.wg.Wait()

	off := registerTarget(t, r, "off")
	_, _, err = r.Disable(off.ID)
	require.NoError(t, err)

	sick := registerTarget(t, r, "sick")
	mech.setProbeErr(assert.AnError)
	_, err = r.Test(context.Background(), sick.ID)
	require.NoError(t, err)

	// The unhealthy target still counts as available.
	stats := r.Stats()
	assert.Equal(t, Stats{Total: 4, Available: 2, InUse: 1, Disabled: 1}, stats)
}
