// Package handlers exposes the agent registry over HTTP.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/batch"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/httpmw"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/common/pagination"
	"github.com/weftdev/weft/internal/project"
)

type AgentHandlers struct {
	projects *project.Manager
	logger   *logger.Logger
}

func NewAgentHandlers(projects *project.Manager, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		projects: projects,
		logger:   log.WithFields(zap.String("component", "agent-handlers")),
	}
}

// RegisterAgentRoutes mounts the agent endpoints on the authenticated API
// group.
func RegisterAgentRoutes(api *gin.RouterGroup, projects *project.Manager, log *logger.Logger) {
	handlers := NewAgentHandlers(projects, log)
	handlers.registerHTTP(api)
}

func (h *AgentHandlers) registerHTTP(api *gin.RouterGroup) {
	api.GET("/agents", h.httpListAgents)
	api.POST("/agents", h.httpRegisterAgent)
	api.POST("/agents/shutdown-batch", h.httpShutdownBatch)
	api.GET("/agents/:guid", h.httpGetAgent)
	api.POST("/agents/:guid/status", h.httpUpdateStatus)
	api.POST("/agents/:guid/heartbeat", h.httpHeartbeat)
	api.POST("/agents/:guid/shutdown", h.httpShutdownAgent)
}

// scope resolves the project context the request addresses, creating it
// on first touch. A false return means the response is already written.
func (h *AgentHandlers) scope(c *gin.Context) (*project.ProjectContext, bool) {
	pc, err := h.projects.GetOrCreate(httpmw.ProjectID(c))
	if err != nil {
		errors.Respond(c, err)
		return nil, false
	}
	return pc, true
}

func (h *AgentHandlers) httpListAgents(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	filter := agent.Filter{
		AgentType:  c.Query("type"),
		Status:     c.Query("status"),
		Capability: c.Query("capability"),
	}
	filters := map[string]string{}
	if filter.AgentType != "" {
		filters["type"] = filter.AgentType
	}
	if filter.Status != "" {
		filters["status"] = filter.Status
	}
	if filter.Capability != "" {
		filters["capability"] = filter.Capability
	}

	window, err := pagination.ResolveWindow(c.Query("cursor"), c.Query("limit"), filters)
	if err != nil {
		errors.Respond(c, err)
		return
	}

	agents := pc.Agents.List(filter)
	lo, hi := pagination.Bounds(window.Offset, window.Limit, len(agents))
	page := pagination.BuildPage(window.Offset, window.Limit, len(agents), window.FilterHash)

	c.JSON(http.StatusOK, pagination.Envelope("agents", agents[lo:hi], hi-lo, len(agents), page))
}

func (h *AgentHandlers) httpRegisterAgent(c *gin.Context) {
	var body agent.RegisterRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	a, err := pc.Agents.Register(body)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AgentHandlers) httpGetAgent(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	a, err := pc.Agents.Get(c.Param("guid"))
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type httpAgentStatusRequest struct {
	Status    string `json:"status"`
	TaskCount *int   `json:"taskCount,omitempty"`
}

func (h *AgentHandlers) httpUpdateStatus(c *gin.Context) {
	var body httpAgentStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	a, err := pc.Agents.UpdateStatus(c.Param("guid"), body.Status, body.TaskCount)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AgentHandlers) httpHeartbeat(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	a, err := pc.Agents.Heartbeat(c.Param("guid"))
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type httpAgentShutdownRequest struct {
	Graceful *bool `json:"graceful,omitempty"`
}

func (h *AgentHandlers) httpShutdownAgent(c *gin.Context) {
	var body httpAgentShutdownRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			errors.Respond(c, errors.BadRequest("invalid request body"))
			return
		}
	}
	// Shutdown defaults to graceful; abrupt removal is the opt-in.
	graceful := true
	if body.Graceful != nil {
		graceful = *body.Graceful
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	guid := c.Param("guid")
	if err := pc.Agents.Shutdown(guid, graceful); err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  fmt.Sprintf("Agent %s shutdown initiated", guid),
		"graceful": graceful,
	})
}

func (h *AgentHandlers) httpShutdownBatch(c *gin.Context) {
	var body batch.ShutdownAgentsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	runner := batch.NewRunner(pc.Agents, pc.Work, pc.Targets, h.logger)
	res, err := runner.ShutdownAgents(body)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
