// Package handlers exposes the spin-up target registry over HTTP.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/batch"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/httpmw"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/common/pagination"
	"github.com/weftdev/weft/internal/project"
	"github.com/weftdev/weft/internal/target"
)

type TargetHandlers struct {
	projects *project.Manager
	logger   *logger.Logger
}

func NewTargetHandlers(projects *project.Manager, log *logger.Logger) *TargetHandlers {
	return &TargetHandlers{
		projects: projects,
		logger:   log.WithFields(zap.String("component", "target-handlers")),
	}
}

// RegisterTargetRoutes mounts the target endpoints on the authenticated
// API group.
func RegisterTargetRoutes(api *gin.RouterGroup, projects *project.Manager, log *logger.Logger) {
	handlers := NewTargetHandlers(projects, log)
	handlers.registerHTTP(api)
}

func (h *TargetHandlers) registerHTTP(api *gin.RouterGroup) {
	api.GET("/targets", h.httpListTargets)
	api.POST("/targets", h.httpRegisterTarget)
	api.POST("/targets/disable-batch", h.httpDisableBatch)
	api.GET("/targets/:id", h.httpGetTarget)
	api.PUT("/targets/:id", h.httpUpdateTarget)
	api.DELETE("/targets/:id", h.httpRemoveTarget)
	api.POST("/targets/:id/enable", h.httpEnableTarget)
	api.POST("/targets/:id/disable", h.httpDisableTarget)
	api.POST("/targets/:id/test", h.httpTestTarget)
	api.POST("/targets/:id/spin-up", h.httpSpinUpTarget)
}

func (h *TargetHandlers) scope(c *gin.Context) (*project.ProjectContext, bool) {
	pc, err := h.projects.GetOrCreate(httpmw.ProjectID(c))
	if err != nil {
		errors.Respond(c, err)
		return nil, false
	}
	return pc, true
}

func (h *TargetHandlers) httpListTargets(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	filter := target.Filter{
		Mechanism: c.Query("mechanism"),
		Status:    c.Query("status"),
		AgentType: c.Query("agentType"),
	}
	filters := map[string]string{}
	if filter.Mechanism != "" {
		filters["mechanism"] = filter.Mechanism
	}
	if filter.Status != "" {
		filters["status"] = filter.Status
	}
	if filter.AgentType != "" {
		filters["agentType"] = filter.AgentType
	}

	window, err := pagination.ResolveWindow(c.Query("cursor"), c.Query("limit"), filters)
	if err != nil {
		errors.Respond(c, err)
		return
	}

	targets := pc.Targets.List(filter)
	lo, hi := pagination.Bounds(window.Offset, window.Limit, len(targets))
	page := pagination.BuildPage(window.Offset, window.Limit, len(targets), window.FilterHash)

	c.JSON(http.StatusOK, pagination.Envelope("targets", targets[lo:hi], hi-lo, len(targets), page))
}

func (h *TargetHandlers) httpRegisterTarget(c *gin.Context) {
	var body target.RegisterRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	t, err := pc.Targets.Register(body)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *TargetHandlers) httpGetTarget(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	// The path segment is an id first, a name second.
	id := c.Param("id")
	t, err := pc.Targets.Get(id)
	if errors.IsNotFound(err) {
		t, err = pc.Targets.GetByName(id)
	}
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TargetHandlers) httpUpdateTarget(c *gin.Context) {
	var body target.UpdateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	t, err := pc.Targets.Update(c.Param("id"), body)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TargetHandlers) httpRemoveTarget(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := pc.Targets.Remove(id); err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Target %s removed", id),
	})
}

func (h *TargetHandlers) httpEnableTarget(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	t, err := pc.Targets.Enable(c.Param("id"))
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TargetHandlers) httpDisableTarget(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	t, _, err := pc.Targets.Disable(c.Param("id"))
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TargetHandlers) httpTestTarget(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	// An unhealthy probe is still a successful test; only an unknown
	// target is an error.
	result, err := pc.Targets.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type httpSpinUpRequest struct {
	WorkItemID string `json:"workItemId,omitempty"`
}

func (h *TargetHandlers) httpSpinUpTarget(c *gin.Context) {
	var body httpSpinUpRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			errors.Respond(c, errors.BadRequest("invalid request body"))
			return
		}
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	t, err := pc.Targets.TriggerSpinUp(c.Request.Context(), c.Param("id"), body.WorkItemID)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	// The mechanism finishes in the background; the outcome arrives as
	// spin-up events and on the target's lastSpinUp record.
	c.JSON(http.StatusAccepted, t)
}

func (h *TargetHandlers) httpDisableBatch(c *gin.Context) {
	var body batch.DisableTargetsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	runner := batch.NewRunner(pc.Agents, pc.Work, pc.Targets, h.logger)
	res, err := runner.DisableTargets(body)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
