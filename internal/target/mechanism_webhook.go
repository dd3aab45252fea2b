package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookMechanism spins up agents by POSTing to an operator-provided
// endpoint. The endpoint URL comes from the target's config.
type WebhookMechanism struct {
	httpClient *http.Client
	token      string
}

// NewWebhookMechanism creates a webhook mechanism. token is the fallback
// bearer token when a target's config does not carry its own.
func NewWebhookMechanism(token string) *WebhookMechanism {
	return &WebhookMechanism{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		token: token,
	}
}

type webhookSpinUpRequest struct {
	Target     string `json:"target"`
	WorkItemID string `json:"workItemId,omitempty"`
	ProjectID  string `json:"projectId"`
}

// SpinUp POSTs the spin-up request to the target's url.
func (m *WebhookMechanism) SpinUp(ctx context.Context, t *Target, workItemID string) error {
	url := t.Config["url"]
	if url == "" {
		return fmt.Errorf("target %s has no webhook url configured", t.Name)
	}

	body, err := json.Marshal(webhookSpinUpRequest{
		Target:     t.Name,
		WorkItemID: workItemID,
		ProjectID:  t.ProjectID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	m.authorize(req, t)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Probe GETs the target's healthUrl, falling back to url.
func (m *WebhookMechanism) Probe(ctx context.Context, t *Target) error {
	url := t.Config["healthUrl"]
	if url == "" {
		url = t.Config["url"]
	}
	if url == "" {
		return fmt.Errorf("target %s has no webhook url configured", t.Name)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	m.authorize(req, t)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (m *WebhookMechanism) authorize(req *http.Request, t *Target) {
	token := t.Config["token"]
	if token == "" {
		token = m.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
