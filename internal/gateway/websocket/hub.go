// Package websocket is the real-time gateway: it owns every client
// connection, bridges the in-process event bus onto filtered topic
// subscriptions, and pushes periodic stats snapshots. One hub serves all
// projects; fan-out never crosses a project boundary.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/metrics"
)

var (
	ErrHubAlreadyRunning = errors.New("websocket hub already running")
	ErrHubNotRunning     = errors.New("websocket hub not running")
)

// StatsProvider supplies the per-project snapshot pushed to stats
// subscribers. Wired after construction because the stats collector
// itself reads connection counts back out of the hub.
type StatsProvider interface {
	ProjectSnapshot(projectID string) any
}

// Config tunes the hub's timers and limits.
type Config struct {
	HeartbeatInterval time.Duration // ping sweep cadence
	StatsInterval     time.Duration // stats push cadence
	ShutdownGrace     time.Duration // per-connection close grace
	MaxMessageSize    int64         // inbound frame cap; subscribe frames are tiny
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		StatsInterval:     30 * time.Second,
		ShutdownGrace:     5 * time.Second,
		MaxMessageSize:    64 * 1024,
	}
}

// eventFrame is the envelope every bus event is delivered in. It is
// serialized once per event and the bytes are shared by all recipients.
type eventFrame struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"projectId"`
}

// statsFrame is the envelope for the periodic stats push.
type statsFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"projectId"`
}

// Hub owns the connection pool and its subscription registry.
type Hub struct {
	bus    *bus.Bus
	subs   *Subscriptions
	config Config
	logger *logger.Logger

	statsMu sync.RWMutex
	stats   StatsProvider

	mu       sync.RWMutex
	clients  map[string]*Client
	projects map[string]map[string]*Client

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	unsub   func()
	wg      sync.WaitGroup
}

// NewHub creates a hub bound to the event bus. It is idle until Start.
func NewHub(b *bus.Bus, cfg Config, log *logger.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultConfig().StatsInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	return &Hub{
		bus:      b,
		subs:     NewSubscriptions(),
		config:   cfg,
		logger:   log.WithComponent("ws_hub"),
		clients:  make(map[string]*Client),
		projects: make(map[string]map[string]*Client),
	}
}

// SetStatsProvider wires the snapshot source for the stats push.
func (h *Hub) SetStatsProvider(p StatsProvider) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	h.stats = p
}

// Subscriptions exposes the registry to the connection handlers.
func (h *Hub) Subscriptions() *Subscriptions {
	return h.subs
}

// Start attaches the hub to the bus and launches the heartbeat and stats
// timers.
func (h *Hub) Start() error {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.unsub = h.bus.Subscribe(bus.Wildcard, h.onEvent)

	h.wg.Add(2)
	go h.heartbeatLoop()
	go h.statsLoop()

	h.logger.Info("websocket hub started",
		zap.Duration("heartbeat_interval", h.config.HeartbeatInterval),
		zap.Duration("stats_interval", h.config.StatsInterval))
	return nil
}

// Shutdown detaches from the bus, stops the timers, and closes every
// connection with a going-away frame. Connections that do not finish the
// close handshake within the grace period are terminated.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.runMu.Lock()
	if !h.running {
		h.runMu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.unsub()
	close(h.stopCh)
	h.runMu.Unlock()
	h.wg.Wait()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var closers sync.WaitGroup
	for _, c := range clients {
		closers.Add(1)
		go func(c *Client) {
			defer closers.Done()
			msg := gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "Server shutting down")
			_ = c.conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(writeWait))
			select {
			case <-c.done:
			case <-time.After(h.config.ShutdownGrace):
			case <-ctx.Done():
			}
			c.conn.Close()
		}(c)
	}
	closers.Wait()

	h.logger.Info("websocket hub stopped", zap.Int("connections_closed", len(clients)))
	return nil
}

// Register adds an accepted connection to the pool.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	if h.projects[c.projectID] == nil {
		h.projects[c.projectID] = make(map[string]*Client)
	}
	h.projects[c.projectID][c.id] = c
	h.mu.Unlock()

	metrics.WSConnectionsActive.Inc()
	h.logger.Debug("client connected",
		zap.String("connection_id", c.id),
		zap.String("project_id", c.projectID))
}

// Unregister removes a connection and releases its subscriptions. Safe
// to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	delete(h.projects[c.projectID], c.id)
	if len(h.projects[c.projectID]) == 0 {
		delete(h.projects, c.projectID)
	}
	close(c.send)
	h.mu.Unlock()

	h.subs.UnsubscribeAll(c.id)
	metrics.WSConnectionsActive.Dec()
	h.logger.Debug("client disconnected", zap.String("connection_id", c.id))
}

// onEvent fans a bus event out to every matching subscriber in the
// event's project. Serialization happens exactly once.
func (h *Hub) onEvent(evt *events.Event) error {
	topic := events.TopicFor(evt.Type)
	if topic == "" {
		return nil
	}

	matched := h.subs.Fanout(topic, evt)
	if len(matched) == 0 {
		return nil
	}

	data, err := json.Marshal(eventFrame{
		Type:      "event",
		Topic:     topic,
		Event:     evt.Type,
		Data:      evt.Data,
		Timestamp: evt.Timestamp,
		ProjectID: evt.ProjectID,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, connID := range matched {
		c := h.clients[connID]
		if c == nil || c.projectID != evt.ProjectID {
			continue
		}
		c.enqueue(data)
	}
	return nil
}

// heartbeatLoop terminates connections that missed the previous ping and
// pings the rest. A transport pong flips the liveness flag back on.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepConnections()
		}
	}
}

func (h *Hub) sweepConnections() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.alive.Load() {
			h.logger.Debug("client missed heartbeat", zap.String("connection_id", c.id))
			c.conn.Close()
			continue
		}
		c.alive.Store(false)
		deadline := time.Now().Add(writeWait)
		if err := c.conn.WriteControl(gorillaws.PingMessage, nil, deadline); err != nil {
			c.conn.Close()
		}
	}
}

// statsLoop pushes per-project snapshots to stats subscribers.
func (h *Hub) statsLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.pushStats()
		}
	}
}

func (h *Hub) pushStats() {
	h.statsMu.RLock()
	provider := h.stats
	h.statsMu.RUnlock()
	if provider == nil {
		return
	}

	subscribers := h.subs.StatsSubscribers()
	if len(subscribers) == 0 {
		return
	}

	h.mu.RLock()
	projects := make(map[string]bool)
	for _, connID := range subscribers {
		if c := h.clients[connID]; c != nil {
			projects[c.projectID] = true
		}
	}
	h.mu.RUnlock()

	// One snapshot and one serialization per project. The provider reads
	// connection counts back out of the hub, so it must not be called
	// while the pool lock is held.
	now := time.Now().UTC()
	frames := make(map[string][]byte, len(projects))
	for projectID := range projects {
		data, err := json.Marshal(statsFrame{
			Type:      "stats",
			Data:      provider.ProjectSnapshot(projectID),
			Timestamp: now,
			ProjectID: projectID,
		})
		if err != nil {
			h.logger.Error("failed to marshal stats frame",
				zap.String("project_id", projectID), zap.Error(err))
			continue
		}
		frames[projectID] = data
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, connID := range subscribers {
		c := h.clients[connID]
		if c == nil {
			continue
		}
		if data := frames[c.projectID]; data != nil {
			c.enqueue(data)
		}
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriptionCount returns the number of live subscriptions.
func (h *Hub) SubscriptionCount() int {
	return h.subs.Count()
}

// ProjectConnectionCount returns the live connections of one project.
func (h *Hub) ProjectConnectionCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.projects[projectID])
}

// ProjectSubscriptionCount returns the live subscriptions held by one
// project's connections.
func (h *Hub) ProjectSubscriptionCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for connID := range h.projects[projectID] {
		n += h.subs.ConnCount(connID)
	}
	return n
}
