// Package gateway assembles the HTTP surface: the middleware chain, the
// REST routes of every domain, the WebSocket upgrade endpoint, and the
// operational endpoints.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	agenthandlers "github.com/weftdev/weft/internal/agent/handlers"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/httpmw"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/gateway/websocket"
	"github.com/weftdev/weft/internal/project"
	"github.com/weftdev/weft/internal/stats"
	statshandlers "github.com/weftdev/weft/internal/stats/handlers"
	targethandlers "github.com/weftdev/weft/internal/target/handlers"
	workhandlers "github.com/weftdev/weft/internal/work/handlers"
)

// documentationURL rides on the health response so probes point humans
// somewhere useful.
const documentationURL = "https://github.com/weftdev/weft#readme"

// Config carries the router's knobs.
type Config struct {
	// AuthToken guards /api when non-empty. /health and /metrics are
	// always open.
	AuthToken string
}

// NewRouter assembles the gin engine with all routes registered.
func NewRouter(cfg Config, projects *project.Manager, hub *websocket.Hub, collector *stats.Collector, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "weft"))
	router.Use(httpmw.OtelTracing("weft-http"))
	router.Use(httpmw.Metrics())

	router.GET("/health", healthHandler(hub))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The upgrade endpoint authenticates itself so a refused client gets
	// a WebSocket close code instead of a bare 401.
	wsHandler := websocket.NewHandler(hub, cfg.AuthToken, log)
	router.GET("/api/ws", wsHandler.HandleConnection)

	api := router.Group("/api", httpmw.Auth(cfg.AuthToken))
	agenthandlers.RegisterAgentRoutes(api, projects, log)
	workhandlers.RegisterWorkRoutes(api, projects, log)
	targethandlers.RegisterTargetRoutes(api, projects, log)
	statshandlers.RegisterStatsRoutes(api, collector, log)

	router.NoRoute(func(c *gin.Context) {
		errors.Respond(c, errors.NotFound("route", c.Request.URL.Path))
	})

	return router
}

func healthHandler(hub *websocket.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
			"documentation": documentationURL,
			"websocket": gin.H{
				"connections":   hub.ConnectionCount(),
				"subscriptions": hub.SubscriptionCount(),
			},
		})
	}
}

// corsMiddleware allows cross-origin HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Project-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
