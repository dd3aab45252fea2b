package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/httpmw"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/stats"
)

// statsCacheSeconds is the Cache-Control max-age on stats reads.
const statsCacheSeconds = 30

type StatsHandlers struct {
	collector *stats.Collector
	logger    *logger.Logger
}

func NewStatsHandlers(collector *stats.Collector, log *logger.Logger) *StatsHandlers {
	return &StatsHandlers{
		collector: collector,
		logger:    log.WithFields(zap.String("component", "stats-handlers")),
	}
}

// RegisterStatsRoutes mounts the cached stats endpoints on the
// authenticated API group.
func RegisterStatsRoutes(api *gin.RouterGroup, collector *stats.Collector, log *logger.Logger) {
	handlers := NewStatsHandlers(collector, log)
	handlers.registerHTTP(api)
}

func (h *StatsHandlers) registerHTTP(api *gin.RouterGroup) {
	cached := api.Group("/stats", httpmw.ETag(statsCacheSeconds))
	cached.GET("", h.httpGetStats)
	cached.GET("/projects", h.httpGetProjectStats)
}

func (h *StatsHandlers) httpGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.collector.Project(httpmw.ProjectID(c)))
}

func (h *StatsHandlers) httpGetProjectStats(c *gin.Context) {
	snapshots := h.collector.All()
	c.JSON(http.StatusOK, gin.H{
		"projects": snapshots,
		"count":    len(snapshots),
	})
}
