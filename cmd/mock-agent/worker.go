package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/httpmw"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/work"
)

// Config carries the worker's identity and tempo.
type Config struct {
	ServerURL         string
	Token             string
	Project           string
	Handle            string
	AgentType         string
	Capabilities      []string
	Boundaries        []string
	NATSURL           string
	SubjectRoot       string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WorkTime          time.Duration
	FailEvery         int
}

// Worker impersonates a single registered agent against a running
// coordinator. It claims work over the same HTTP API real workers use,
// so a coordinator under test sees indistinguishable traffic.
type Worker struct {
	cfg       Config
	guid      string
	client    *http.Client
	logger    *logger.Logger
	nudge     chan struct{}
	processed int
}

func NewWorker(cfg Config, log *logger.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		guid:   uuid.New().String(),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithFields(zap.String("component", "mock-agent")),
		nudge:  make(chan struct{}, 1),
	}
}

// GUID returns the identity the worker registered under.
func (w *Worker) GUID() string {
	return w.guid
}

// Run registers the agent and processes work until ctx is cancelled,
// then deregisters gracefully.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	w.logger.Info("Registered with coordinator",
		zap.String("guid", w.guid),
		zap.String("server", w.cfg.ServerURL),
		zap.Strings("capabilities", w.cfg.Capabilities))

	if w.cfg.NATSURL != "" {
		stop, err := w.listenForWork()
		if err != nil {
			w.logger.Warn("NATS unavailable, falling back to polling", zap.Error(err))
		} else {
			defer stop()
		}
	}

	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.deregister()
			return nil
		case <-heartbeat.C:
			if err := w.heartbeat(ctx); err != nil {
				w.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		case <-w.nudge:
			w.drain(ctx)
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

// drain claims and executes pending work until nothing is left for this
// worker's capabilities.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		item, ok := w.claimNext(ctx)
		if !ok {
			return
		}
		w.execute(ctx, item)
	}
}

// claimNext walks the worker's capabilities and claims the first
// pending item it finds. A 409 means another worker won the race, which
// is routine; the next candidate is tried.
func (w *Worker) claimNext(ctx context.Context) (*work.Item, bool) {
	for _, capability := range w.cfg.Capabilities {
		var pending struct {
			WorkItems []work.Item `json:"workItems"`
		}
		path := "/api/work/pending?limit=5&capability=" + url.QueryEscape(capability)
		status, err := w.do(ctx, http.MethodGet, path, nil, &pending)
		if err != nil || status != http.StatusOK {
			w.logger.Warn("Pending lookup failed", zap.Int("status", status), zap.Error(err))
			continue
		}

		for i := range pending.WorkItems {
			var claimed work.Item
			body := map[string]any{"action": "claim", "agentGuid": w.guid}
			status, err := w.do(ctx, http.MethodPost, "/api/work/"+pending.WorkItems[i].ID, body, &claimed)
			if err != nil {
				w.logger.Warn("Claim failed", zap.Error(err))
				continue
			}
			if status != http.StatusOK {
				continue
			}
			return &claimed, true
		}
	}
	return nil, false
}

// execute walks a claimed item through start, staged progress and a
// terminal action, pacing the stages across the configured work time.
func (w *Worker) execute(ctx context.Context, item *work.Item) {
	w.processed++
	w.logger.Info("Executing work item",
		zap.String("work_item_id", item.ID),
		zap.String("capability", item.Capability),
		zap.Int("attempt", item.Attempts))

	w.setStatus(ctx, agent.StatusBusy, 1)
	defer w.setStatus(ctx, agent.StatusOnline, 0)

	w.action(ctx, item.ID, map[string]any{"action": "start"})

	step := w.cfg.WorkTime / 4
	for _, pct := range []int{25, 50, 75} {
		if !sleepCtx(ctx, step) {
			return
		}
		w.action(ctx, item.ID, map[string]any{
			"action":   "progress",
			"progress": pct,
			"note":     fmt.Sprintf("simulated progress %d%%", pct),
		})
	}
	if !sleepCtx(ctx, step) {
		return
	}

	if w.cfg.FailEvery > 0 && w.processed%w.cfg.FailEvery == 0 {
		w.action(ctx, item.ID, map[string]any{
			"action":      "fail",
			"error":       "simulated failure",
			"recoverable": true,
		})
		w.logger.Info("Failed work item (simulated)", zap.String("work_item_id", item.ID))
		return
	}

	w.action(ctx, item.ID, map[string]any{
		"action":  "complete",
		"result":  map[string]any{"simulated": true, "agent": w.cfg.Handle},
		"summary": fmt.Sprintf("completed by %s", w.cfg.Handle),
	})
	w.logger.Info("Completed work item", zap.String("work_item_id", item.ID))
}

func (w *Worker) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	body := agent.RegisterRequest{
		GUID:         w.guid,
		Handle:       w.cfg.Handle,
		AgentType:    w.cfg.AgentType,
		Hostname:     hostname,
		Capabilities: w.cfg.Capabilities,
		Boundaries:   w.cfg.Boundaries,
	}
	status, err := w.do(ctx, http.MethodPost, "/api/agents", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) error {
	status, err := w.do(ctx, http.MethodPost, "/api/agents/"+w.guid+"/heartbeat", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

// deregister runs on its own deadline so shutdown still reaches the
// coordinator after the worker context is cancelled.
func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body := map[string]any{"graceful": true}
	if _, err := w.do(ctx, http.MethodPost, "/api/agents/"+w.guid+"/shutdown", body, nil); err != nil {
		w.logger.Warn("Deregister failed", zap.Error(err))
		return
	}
	w.logger.Info("Deregistered from coordinator", zap.String("guid", w.guid))
}

func (w *Worker) setStatus(ctx context.Context, status string, taskCount int) {
	body := map[string]any{"status": status, "taskCount": taskCount}
	if _, err := w.do(ctx, http.MethodPost, "/api/agents/"+w.guid+"/status", body, nil); err != nil {
		w.logger.Warn("Status update failed", zap.Error(err))
	}
}

// action posts a lifecycle action for a work item. Failures are logged
// rather than returned: the simulator keeps going the way a real worker
// with a flaky link would.
func (w *Worker) action(ctx context.Context, id string, body map[string]any) {
	status, err := w.do(ctx, http.MethodPost, "/api/work/"+id, body, nil)
	if err != nil || status != http.StatusOK {
		w.logger.Warn("Work action failed",
			zap.String("work_item_id", id),
			zap.Any("action", body["action"]),
			zap.Int("status", status),
			zap.Error(err))
	}
}

// listenForWork subscribes to the project's queue announcements so new
// work is claimed immediately instead of on the next poll tick.
func (w *Worker) listenForWork() (func(), error) {
	conn, err := nats.Connect(w.cfg.NATSURL, nats.Name("mock-agent-"+w.guid))
	if err != nil {
		return nil, err
	}

	projectID := w.cfg.Project
	if projectID == "" {
		projectID = httpmw.DefaultProject
	}
	subject := fmt.Sprintf("%s.%s.work.queue.>", w.cfg.SubjectRoot, projectID)
	sub, err := conn.Subscribe(subject, func(*nats.Msg) {
		select {
		case w.nudge <- struct{}{}:
		default:
		}
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	w.logger.Info("Listening for work announcements", zap.String("subject", subject))
	return func() {
		_ = sub.Unsubscribe()
		conn.Close()
	}, nil
}

// do sends one API request, decoding the response into out when
// provided. Non-2xx statuses are returned to the caller rather than
// treated as errors; callers decide which are routine.
func (w *Worker) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.cfg.ServerURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	if w.cfg.Project != "" {
		req.Header.Set(httpmw.ProjectHeader, w.cfg.Project)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// sleepCtx waits d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
