// Package natsbridge connects the coordinator to a NATS fabric. Worker
// agents announce themselves on the shared subject grammar and the
// bridge mirrors committed work transitions back out. The bridge is
// optional; without a NATS URL the service runs standalone and only the
// HTTP and WebSocket surfaces apply.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/config"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/project"
)

// queueGroup load-balances ingress across coordinator replicas sharing
// one fabric.
const queueGroup = "weft-core"

// Bridge owns the NATS connection, the ingress subscriptions, and the
// bus listener that mirrors work events outward.
type Bridge struct {
	conn     *nats.Conn
	projects *project.Manager
	bus      *bus.Bus
	root     string
	logger   *logger.Logger

	subs   []*nats.Subscription
	unsubs []func()
}

// New connects to NATS with reconnection logic and returns an idle
// bridge. Call Start to attach the subscriptions.
func New(cfg config.NATSConfig, projects *project.Manager, b *bus.Bus, log *logger.Logger) (*Bridge, error) {
	br := &Bridge{
		projects: projects,
		bus:      b,
		root:     cfg.SubjectRoot,
		logger:   log.WithComponent("nats-bridge"),
	}
	if br.root == "" {
		br.root = "weft"
	}

	opts := []nats.Option{
		nats.Name("weft-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				br.logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				br.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			br.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				br.logger.Error("NATS connection closed", zap.Error(err))
			} else {
				br.logger.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			br.logger.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	br.conn = conn
	br.logger.Info("Connected to NATS", zap.String("url", cfg.URL))

	return br, nil
}

// Start subscribes the agent announce subjects and attaches the work
// mirror to the in-process bus.
func (br *Bridge) Start() error {
	ingress := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{events.BuildAgentRegisterWildcardSubject(br.root), br.handleRegister},
		{events.BuildAgentDeregisterWildcardSubject(br.root), br.handleDeregister},
		{events.BuildAgentHeartbeatWildcardSubject(br.root), br.handleHeartbeat},
		{events.BuildAgentShutdownWildcardSubject(br.root), br.handleShutdown},
	}
	for _, in := range ingress {
		sub, err := br.conn.QueueSubscribe(in.subject, queueGroup, in.handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", in.subject, err)
		}
		br.subs = append(br.subs, sub)
		br.logger.Debug("Queue subscribed to subject",
			zap.String("subject", in.subject),
			zap.String("queue", queueGroup),
		)
	}

	for _, kind := range []string{
		events.WorkSubmitted,
		events.WorkAssigned,
		events.WorkStarted,
		events.WorkProgress,
		events.WorkCompleted,
		events.WorkFailed,
		events.WorkCancelled,
	} {
		br.unsubs = append(br.unsubs, br.bus.Subscribe(kind, br.onWorkEvent))
	}

	br.logger.Info("NATS bridge started", zap.String("subject_root", br.root))
	return nil
}

// IsConnected returns whether the NATS connection is active.
func (br *Bridge) IsConnected() bool {
	return br.conn != nil && br.conn.IsConnected()
}

// Close detaches from the bus and drains the connection so pending
// messages still go out.
func (br *Bridge) Close() {
	for _, unsub := range br.unsubs {
		unsub()
	}
	br.unsubs = nil

	if br.conn == nil {
		return
	}
	if err := br.conn.Drain(); err != nil {
		br.logger.Warn("Error draining NATS connection", zap.Error(err))
		br.conn.Close()
	}
}

// agents resolves the registry of the project named in a subject.
// Ingress creates project contexts on demand, the same as HTTP.
func (br *Bridge) agents(projectID string) (*agent.Registry, error) {
	pc, err := br.projects.GetOrCreate(projectID)
	if err != nil {
		return nil, err
	}
	return pc.Agents, nil
}

// handleRegister ingests an agent announcing itself. Malformed payloads
// and registry rejections are logged and dropped; the bridge never
// crashes on bad input.
func (br *Bridge) handleRegister(msg *nats.Msg) {
	projectID, ok := events.ProjectFromSubject(msg.Subject)
	if !ok {
		br.logger.Warn("Dropping message with malformed subject", zap.String("subject", msg.Subject))
		return
	}

	var req agent.RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		br.logger.Warn("Dropping malformed agent registration",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}

	reg, err := br.agents(projectID)
	if err != nil {
		br.logger.Warn("Dropping agent registration", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if _, err := reg.Register(req); err != nil {
		br.logger.Warn("Agent registration rejected",
			zap.String("subject", msg.Subject),
			zap.String("agent_guid", req.GUID),
			zap.Error(err))
	}
}

type deregisterPayload struct {
	GUID string `json:"guid"`
}

// handleDeregister ingests a voluntary agent departure. Deregistering is
// the graceful path.
func (br *Bridge) handleDeregister(msg *nats.Msg) {
	projectID, ok := events.ProjectFromSubject(msg.Subject)
	if !ok {
		br.logger.Warn("Dropping message with malformed subject", zap.String("subject", msg.Subject))
		return
	}

	var payload deregisterPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.GUID == "" {
		br.logger.Warn("Dropping malformed agent deregistration",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}

	reg, err := br.agents(projectID)
	if err != nil {
		br.logger.Warn("Dropping agent deregistration", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := reg.Shutdown(payload.GUID, true); err != nil {
		br.logger.Debug("Agent deregistration for unknown guid",
			zap.String("agent_guid", payload.GUID),
			zap.Error(err))
	}
}

// handleHeartbeat ingests a liveness ping. The GUID rides in the subject
// so the payload does not matter.
func (br *Bridge) handleHeartbeat(msg *nats.Msg) {
	projectID, ok := events.ProjectFromSubject(msg.Subject)
	guid := events.LastToken(msg.Subject)
	if !ok || guid == "" {
		br.logger.Warn("Dropping message with malformed subject", zap.String("subject", msg.Subject))
		return
	}

	reg, err := br.agents(projectID)
	if err != nil {
		br.logger.Warn("Dropping agent heartbeat", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if _, err := reg.Heartbeat(guid); err != nil {
		br.logger.Debug("Heartbeat for unknown agent",
			zap.String("agent_guid", guid),
			zap.Error(err))
	}
}

// handleShutdown ingests an abrupt agent shutdown announced by a
// supervisor rather than the agent itself.
func (br *Bridge) handleShutdown(msg *nats.Msg) {
	projectID, ok := events.ProjectFromSubject(msg.Subject)
	guid := events.LastToken(msg.Subject)
	if !ok || guid == "" {
		br.logger.Warn("Dropping message with malformed subject", zap.String("subject", msg.Subject))
		return
	}

	reg, err := br.agents(projectID)
	if err != nil {
		br.logger.Warn("Dropping agent shutdown", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := reg.Shutdown(guid, false); err != nil {
		br.logger.Debug("Shutdown for unknown agent",
			zap.String("agent_guid", guid),
			zap.Error(err))
	}
}

// onWorkEvent mirrors one committed work transition onto the fabric.
// The full event envelope travels as the message body.
func (br *Bridge) onWorkEvent(evt *events.Event) error {
	payload, ok := evt.Data.(*events.WorkEventPayload)
	if !ok {
		return nil
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, subject := range br.subjectsFor(evt.Type, evt.ProjectID, payload) {
		if err := br.conn.Publish(subject, data); err != nil {
			br.logger.Error("Failed to publish event",
				zap.String("subject", subject),
				zap.String("event_type", evt.Type),
				zap.Error(err))
		}
	}
	return nil
}

// subjectsFor maps a work event onto its outbound subjects. Submissions
// announce on the per-capability queue; transitions ride the per-item
// status subject; completions and failures additionally hit the project
// notification subjects.
func (br *Bridge) subjectsFor(eventType, projectID string, p *events.WorkEventPayload) []string {
	status := events.BuildWorkStatusSubject(br.root, projectID, p.WorkItemID)
	switch eventType {
	case events.WorkSubmitted:
		return []string{events.BuildWorkQueueSubject(br.root, projectID, p.Capability)}
	case events.WorkAssigned, events.WorkStarted, events.WorkProgress, events.WorkCancelled:
		return []string{status}
	case events.WorkCompleted:
		return []string{status, events.BuildWorkCompletedSubject(br.root, projectID)}
	case events.WorkFailed:
		return []string{status, events.BuildWorkErrorsSubject(br.root, projectID)}
	}
	return nil
}
