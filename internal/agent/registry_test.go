package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *capturedEvents) record(e *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *capturedEvents) last() *events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func setupRegistry(t *testing.T) (*Registry, *capturedEvents) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := bus.New(log)
	rec := &capturedEvents{}
	b.Subscribe(bus.Wildcard, rec.record)
	return NewRegistry("alpha", b, log), rec
}

func registerAgent(t *testing.T, r *Registry, guid, agentType string, capabilities ...string) *Agent {
	t.Helper()
	a, err := r.Register(RegisterRequest{
		GUID:         guid,
		AgentType:    agentType,
		Capabilities: capabilities,
	})
	require.NoError(t, err)
	return a
}

func TestRegister(t *testing.T) {
	r, rec := setupRegistry(t)

	a, err := r.Register(RegisterRequest{
		GUID:         "agent-1",
		Handle:       "rex",
		AgentType:    TypeClaudeCode,
		Hostname:     "worker-1",
		Capabilities: []string{"code-review"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, a.Status)
	assert.False(t, a.RegisteredAt.IsZero())
	assert.Equal(t, a.RegisteredAt, a.LastHeartbeatAt)

	require.Equal(t, []string{events.AgentRegistered}, rec.types())
	payload := rec.last().Data.(*events.AgentEventPayload)
	assert.Equal(t, "agent-1", payload.Agent.GUID)
	assert.Equal(t, "rex", payload.Agent.Handle)
	assert.Equal(t, StatusOnline, payload.Status)

	t.Run("duplicate guid conflicts", func(t *testing.T) {
		_, err := r.Register(RegisterRequest{GUID: "agent-1", AgentType: TypeClaudeCode})
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("guid required", func(t *testing.T) {
		_, err := r.Register(RegisterRequest{AgentType: TypeClaudeCode})
		require.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))
	})

	t.Run("unknown agent type rejected", func(t *testing.T) {
		_, err := r.Register(RegisterRequest{GUID: "agent-2", AgentType: "cursor"})
		require.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))
	})
}

func TestUpdateStatus(t *testing.T) {
	r, rec := setupRegistry(t)
	registerAgent(t, r, "agent-1", TypeCopilotCLI)

	three := 3
	a, err := r.UpdateStatus("agent-1", StatusBusy, &three)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, a.Status)
	assert.Equal(t, 3, a.TaskCount)

	payload := rec.last().Data.(*events.AgentEventPayload)
	assert.Equal(t, StatusBusy, payload.NewStatus)
	assert.Equal(t, 3, payload.TaskCount)

	t.Run("nil task count leaves it untouched", func(t *testing.T) {
		a, err := r.UpdateStatus("agent-1", StatusOnline, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, a.TaskCount)
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		_, err := r.UpdateStatus("agent-1", "sleeping", nil)
		require.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))
	})

	t.Run("unknown guid", func(t *testing.T) {
		_, err := r.UpdateStatus("ghost", StatusOnline, nil)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestHeartbeat(t *testing.T) {
	r, rec := setupRegistry(t)
	registered := registerAgent(t, r, "agent-1", TypeClaudeCode)
	before := len(rec.types())

	a, err := r.Heartbeat("agent-1")
	require.NoError(t, err)
	assert.False(t, a.LastHeartbeatAt.Before(registered.LastHeartbeatAt))
	assert.Len(t, rec.types(), before, "a routine heartbeat is silent")

	t.Run("revives offline agents", func(t *testing.T) {
		_, err := r.UpdateStatus("agent-1", StatusOffline, nil)
		require.NoError(t, err)

		a, err := r.Heartbeat("agent-1")
		require.NoError(t, err)
		assert.Equal(t, StatusOnline, a.Status)

		payload := rec.last().Data.(*events.AgentEventPayload)
		assert.Equal(t, StatusOnline, payload.NewStatus)
	})

	t.Run("unknown guid", func(t *testing.T) {
		_, err := r.Heartbeat("ghost")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestShutdown(t *testing.T) {
	r, rec := setupRegistry(t)
	registerAgent(t, r, "agent-1", TypeClaudeCode)

	require.NoError(t, r.Shutdown("agent-1", true))

	_, err := r.Get("agent-1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	last := rec.last()
	assert.Equal(t, events.AgentShutdown, last.Type)
	payload := last.Data.(*events.AgentEventPayload)
	assert.Equal(t, "agent-1", payload.Agent.GUID)
	assert.True(t, payload.Graceful)

	assert.True(t, errors.IsNotFound(r.Shutdown("agent-1", false)))
}

func TestListFiltering(t *testing.T) {
	r, _ := setupRegistry(t)

	registerAgent(t, r, "agent-1", TypeClaudeCode, "code-review", "testing")
	registerAgent(t, r, "agent-2", TypeCopilotCLI, "deploy")
	registerAgent(t, r, "agent-3", TypeClaudeCode, "code-review")
	_, err := r.UpdateStatus("agent-3", StatusBusy, nil)
	require.NoError(t, err)

	assert.Len(t, r.List(Filter{}), 3)
	assert.Len(t, r.List(Filter{AgentType: TypeClaudeCode}), 2)
	assert.Len(t, r.List(Filter{Status: StatusBusy}), 1)
	assert.Len(t, r.List(Filter{Capability: "code-review"}), 2)
	assert.Len(t, r.List(Filter{AgentType: TypeClaudeCode, Status: StatusOnline}), 1)

	t.Run("order is stable", func(t *testing.T) {
		first := r.List(Filter{})
		second := r.List(Filter{})
		for i := range first {
			assert.Equal(t, first[i].GUID, second[i].GUID)
		}
	})
}

func TestSummary(t *testing.T) {
	r, _ := setupRegistry(t)
	_, err := r.Register(RegisterRequest{
		GUID:      "agent-1",
		Handle:    "rex",
		AgentType: TypeClaudeCode,
		Hostname:  "worker-1",
	})
	require.NoError(t, err)

	ref := r.Summary("agent-1")
	require.NotNil(t, ref)
	assert.Equal(t, "rex", ref.Handle)
	assert.Equal(t, TypeClaudeCode, ref.AgentType)

	assert.Nil(t, r.Summary("ghost"))
}

func TestStatsEnumeratesClosedSets(t *testing.T) {
	r, _ := setupRegistry(t)

	t.Run("empty registry still lists every key", func(t *testing.T) {
		stats := r.Stats()
		assert.Zero(t, stats.Total)
		assert.Equal(t, map[string]int{TypeCopilotCLI: 0, TypeClaudeCode: 0}, stats.ByType)
		assert.Equal(t, map[string]int{StatusOnline: 0, StatusBusy: 0, StatusOffline: 0}, stats.ByStatus)
	})

	registerAgent(t, r, "agent-1", TypeClaudeCode)
	registerAgent(t, r, "agent-2", TypeClaudeCode)
	registerAgent(t, r, "agent-3", TypeCopilotCLI)
	_, err := r.UpdateStatus("agent-2", StatusBusy, nil)
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByType[TypeClaudeCode])
	assert.Equal(t, 1, stats.ByType[TypeCopilotCLI])
	assert.Equal(t, 2, stats.ByStatus[StatusOnline])
	assert.Equal(t, 1, stats.ByStatus[StatusBusy])
	assert.Equal(t, 0, stats.ByStatus[StatusOffline])
}
