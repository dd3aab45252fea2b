package target

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSpinUp(t *testing.T) {
	var (
		mu       sync.Mutex
		got      webhookSpinUpRequest
		auth     string
		received bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		received = true
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	mech := NewWebhookMechanism("fallback-token")
	tgt := &Target{
		Name:      "gpu-pool",
		ProjectID: "alpha",
		Config:    map[string]string{"url": srv.URL},
	}

	require.NoError(t, mech.SpinUp(context.Background(), tgt, "work-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, received)
	assert.Equal(t, "Bearer fallback-token", auth)
	assert.Equal(t, "gpu-pool", got.Target)
	assert.Equal(t, "work-1", got.WorkItemID)
	assert.Equal(t, "alpha", got.ProjectID)
}

func TestWebhookSpinUpTargetToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	mech := NewWebhookMechanism("fallback-token")
	tgt := &Target{
		Name:   "gpu-pool",
		Config: map[string]string{"url": srv.URL, "token": "target-token"},
	}

	require.NoError(t, mech.SpinUp(context.Background(), tgt, ""))
	assert.Equal(t, "Bearer target-token", auth)
}

func TestWebhookSpinUpFailures(t *testing.T) {
	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no capacity", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		mech := NewWebhookMechanism("")
		err := mech.SpinUp(context.Background(), &Target{Name: "x", Config: map[string]string{"url": srv.URL}}, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("missing url is an error", func(t *testing.T) {
		mech := NewWebhookMechanism("")
		err := mech.SpinUp(context.Background(), &Target{Name: "x"}, "")
		require.Error(t, err)
	})
}

func TestWebhookProbe(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	mech := NewWebhookMechanism("")

	t.Run("prefers healthUrl", func(t *testing.T) {
		tgt := &Target{Name: "x", Config: map[string]string{
			"url":       srv.URL + "/hook",
			"healthUrl": srv.URL + "/health",
		}}
		require.NoError(t, mech.Probe(context.Background(), tgt))
		assert.Equal(t, "/health", path)
	})

	t.Run("falls back to url", func(t *testing.T) {
		tgt := &Target{Name: "x", Config: map[string]string{"url": srv.URL + "/hook"}}
		require.NoError(t, mech.Probe(context.Background(), tgt))
		assert.Equal(t, "/hook", path)
	})

	t.Run("non-2xx is unhealthy", func(t *testing.T) {
		tgt := &Target{Name: "x", Config: map[string]string{"url": srv.URL + "/down"}}
		require.Error(t, mech.Probe(context.Background(), tgt))
	})
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	content := `projects:
  - project: alpha
    targets:
      - name: gpu-pool
        agentType: claude-code
        mechanism: webhook
        maxInstances: 4
        config:
          url: https://spawner.internal/hook
          healthUrl: https://spawner.internal/health
      - name: cold-pool
        agentType: copilot-cli
        mechanism: webhook
        enabled: false
        config:
          url: https://spawner.internal/cold
  - project: beta
    targets:
      - name: scripted
        agentType: claude-code
        mechanism: script
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	seed, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, seed.Projects, 2)

	alpha := seed.Projects[0]
	assert.Equal(t, "alpha", alpha.Project)
	require.Len(t, alpha.Targets, 2)

	req := alpha.Targets[0].Request()
	assert.Equal(t, "gpu-pool", req.Name)
	assert.Equal(t, 4, req.MaxInstances)
	assert.Equal(t, "https://spawner.internal/hook", req.Config["url"])
	assert.Nil(t, req.Enabled)

	cold := alpha.Targets[1].Request()
	require.NotNil(t, cold.Enabled)
	assert.False(t, *cold.Enabled)

	t.Run("missing project id rejected", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("projects:\n  - targets: []\n"), 0o644))
		_, err := LoadSeedFile(bad)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSeedFile(filepath.Join(dir, "absent.yaml"))
		require.Error(t, err)
	})
}
