// Package handlers exposes the work coordinator over HTTP.
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
	"github.com/weftdev/weft/internal/work"
)

// deprecatedParamHeader flags requests that reached boundary through its
// legacy spelling.
const deprecatedParamHeader = "X-Deprecated-Param"

type WorkHandlers struct {
	projects *project.Manager
	logger   *logger.Logger
}

func NewWorkHandlers(projects *project.Manager, log *logger.Logger) *WorkHandlers {
	return &WorkHandlers{
		projects: projects,
		logger:   log.WithFields(zap.String("component", "work-handlers")),
	}
}

// RegisterWorkRoutes mounts the work endpoints on the authenticated API
// group.
func RegisterWorkRoutes(api *gin.RouterGroup, projects *project.Manager, log *logger.Logger) {
	handlers := NewWorkHandlers(projects, log)
	handlers.registerHTTP(api)
}

func (h *WorkHandlers) registerHTTP(api *gin.RouterGroup) {
	api.GET("/work", h.httpListWork)
	api.POST("/work", h.httpSubmitWork)
	api.GET("/work/pending", h.httpPendingWork)
	api.POST("/work/cancel-batch", h.httpCancelBatch)
	api.GET("/work/:id", h.httpGetWork)
	api.POST("/work/:id", h.httpUpdateWork)
	api.POST("/work/:id/cancel", h.httpCancelWork)
}

func (h *WorkHandlers) scope(c *gin.Context) (*project.ProjectContext, bool) {
	pc, err := h.projects.GetOrCreate(httpmw.ProjectID(c))
	if err != nil {
		errors.Respond(c, err)
		return nil, false
	}
	return pc, true
}

// resolveBoundary returns the boundary of a request, honoring
// "classification" as a deprecated alias. Using the alias stamps the
// deprecation header; an explicit boundary always wins.
func resolveBoundary(c *gin.Context, boundary, classification string) string {
	if boundary != "" {
		return boundary
	}
	if classification != "" {
		c.Header(deprecatedParamHeader, "classification (use boundary instead)")
	}
	return classification
}

func (h *WorkHandlers) httpListWork(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	filter := work.Filter{
		Status:     c.Query("status"),
		Capability: c.Query("capability"),
		Boundary:   resolveBoundary(c, c.Query("boundary"), c.Query("classification")),
		AssignedTo: c.Query("assignedTo"),
	}
	filters := map[string]string{}
	if filter.Status != "" {
		filters["status"] = filter.Status
	}
	if filter.Capability != "" {
		filters["capability"] = filter.Capability
	}
	if filter.Boundary != "" {
		// Hash under the canonical name so cursors minted via the alias
		// stay valid for boundary requests and vice versa.
		filters["boundary"] = filter.Boundary
	}
	if filter.AssignedTo != "" {
		filters["assignedTo"] = filter.AssignedTo
	}

	window, err := pagination.ResolveWindow(c.Query("cursor"), c.Query("limit"), filters)
	if err != nil {
		errors.Respond(c, err)
		return
	}

	items := pc.Work.List(filter)
	lo, hi := pagination.Bounds(window.Offset, window.Limit, len(items))
	page := pagination.BuildPage(window.Offset, window.Limit, len(items), window.FilterHash)

	c.JSON(http.StatusOK, pagination.Envelope("workItems", items[lo:hi], hi-lo, len(items), page))
}

type httpSubmitWorkRequest struct {
	work.SubmitRequest
	Classification string `json:"classification,omitempty"`
}

func (h *WorkHandlers) httpSubmitWork(c *gin.Context) {
	var body httpSubmitWorkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}
	body.Boundary = resolveBoundary(c, body.Boundary, body.Classification)

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	item, err := pc.Work.Submit(body.SubmitRequest)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *WorkHandlers) httpPendingWork(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	window, err := pagination.ResolveWindow("", c.Query("limit"), nil)
	if err != nil {
		errors.Respond(c, err)
		return
	}

	boundary := resolveBoundary(c, c.Query("boundary"), c.Query("classification"))
	items := pc.Work.PendingWork(c.Query("capability"), boundary, window.Limit)

	c.JSON(http.StatusOK, gin.H{
		"workItems": items,
		"count":     len(items),
	})
}

func (h *WorkHandlers) httpGetWork(c *gin.Context) {
	pc, ok := h.scope(c)
	if !ok {
		return
	}

	item, err := pc.Work.Get(c.Param("id"))
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// httpWorkActionRequest is the worker-facing update envelope. Action
// selects the transition; the remaining fields feed whichever transition
// was chosen.
type httpWorkActionRequest struct {
	Action      string `json:"action"`
	AgentGUID   string `json:"agentGuid,omitempty"`
	Progress    *int   `json:"progress,omitempty"`
	Note        string `json:"note,omitempty"`
	Result      any    `json:"result,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Error       string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

func (h *WorkHandlers) httpUpdateWork(c *gin.Context) {
	var body httpWorkActionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	id := c.Param("id")
	var item *work.Item
	var err error
	switch body.Action {
	case "claim":
		item, err = pc.Work.Claim(id, body.AgentGUID)
	case "start":
		item, err = pc.Work.StartWork(id)
	case "progress":
		if body.Progress == nil {
			errors.Respond(c, errors.BadRequest("progress is required for the progress action"))
			return
		}
		item, err = pc.Work.UpdateProgress(id, *body.Progress, body.Note)
	case "complete":
		item, err = pc.Work.Complete(id, body.Result, body.Summary)
	case "fail":
		item, err = pc.Work.Fail(id, body.Error, body.Recoverable)
	case "":
		errors.Respond(c, errors.BadRequest("action is required"))
		return
	default:
		errors.Respond(c, errors.BadRequest(fmt.Sprintf("Unknown action: %s", body.Action)))
		return
	}
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type httpCancelWorkRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *WorkHandlers) httpCancelWork(c *gin.Context) {
	var body httpCancelWorkRequest
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

	item, err := pc.Work.Cancel(c.Param("id"), body.Reason)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *WorkHandlers) httpCancelBatch(c *gin.Context) {
	var body batch.CancelWorkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errors.Respond(c, errors.BadRequest("invalid request body"))
		return
	}

	pc, ok := h.scope(c)
	if !ok {
		return
	}

	runner := batch.NewRunner(pc.Agents, pc.Work, pc.Targets, h.logger)
	res, err := runner.CancelWork(body)
	if err != nil {
		errors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
