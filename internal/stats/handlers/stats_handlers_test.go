package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/httpmw"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/project"
	"github.com/weftdev/weft/internal/stats"
	"github.com/weftdev/weft/internal/target"
	"github.com/weftdev/weft/internal/work"
)

type apiFixture struct {
	router   *gin.Engine
	projects *project.Manager
}

func setupStatsAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	projects := project.NewManager(bus.New(log), work.Config{}, target.Mechanisms{}, log)
	t.Cleanup(func() { _ = projects.Shutdown(context.Background()) })

	router := gin.New()
	RegisterStatsRoutes(router.Group("/api"), stats.NewCollector(projects, nil), log)
	return &apiFixture{router: router, projects: projects}
}

func (f *apiFixture) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

func TestGetStatsShape(t *testing.T) {
	f := setupStatsAPI(t)

	w := f.get("/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Contains(t, body, "agents")
	assert.Contains(t, body, "work")
	assert.Contains(t, body, "targets")
	assert.Contains(t, body, "websocket")

	assert.NotEmpty(t, w.Header().Get("ETag"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "max-age=30")
}

func TestGetStatsConditional(t *testing.T) {
	f := setupStatsAPI(t)

	first := f.get("/api/stats", nil)
	require.Equal(t, http.StatusOK, first.Code)
	tag := first.Header().Get("ETag")
	require.NotEmpty(t, tag)

	t.Run("unchanged state revalidates to 304", func(t *testing.T) {
		w := f.get("/api/stats", map[string]string{"If-None-Match": tag})
		assert.Equal(t, http.StatusNotModified, w.Code)
		assert.Empty(t, w.Body.String())
		assert.Equal(t, tag, w.Header().Get("ETag"))
	})

	t.Run("changed state invalidates the tag", func(t *testing.T) {
		pc, err := f.projects.GetOrCreate(httpmw.DefaultProject)
		require.NoError(t, err)
		_, err = pc.Agents.Register(agent.RegisterRequest{GUID: "agent-1", AgentType: agent.TypeClaudeCode})
		require.NoError(t, err)

		w := f.get("/api/stats", map[string]string{"If-None-Match": tag})
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEqual(t, tag, w.Header().Get("ETag"))
	})
}

func TestGetStatsProjectScoping(t *testing.T) {
	f := setupStatsAPI(t)

	pc, err := f.projects.GetOrCreate("alpha")
	require.NoError(t, err)
	_, err = pc.Agents.Register(agent.RegisterRequest{GUID: "agent-1", AgentType: agent.TypeClaudeCode})
	require.NoError(t, err)

	w := f.get("/api/stats", map[string]string{"X-Project-ID": "alpha"})
	body := decodeBody(t, w)
	agents := body["agents"].(map[string]any)
	assert.EqualValues(t, 1, agents["total"])

	t.Run("default project stays separate", func(t *testing.T) {
		w := f.get("/api/stats", nil)
		body := decodeBody(t, w)
		agents := body["agents"].(map[string]any)
		assert.EqualValues(t, 0, agents["total"])
	})
}

func TestGetProjectStats(t *testing.T) {
	f := setupStatsAPI(t)

	_, err := f.projects.GetOrCreate("p1")
	require.NoError(t, err)
	_, err = f.projects.GetOrCreate("p2")
	require.NoError(t, err)

	w := f.get("/api/stats/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.EqualValues(t, 2, body["count"])
	projects := body["projects"].(map[string]any)
	assert.Contains(t, projects, "p1")
	assert.Contains(t, projects, "p2")
}
