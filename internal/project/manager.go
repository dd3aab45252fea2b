// Package project owns the per-project coordination contexts and creates
// them lazily on first touch.
package project

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/weftdev/weft/internal/agent"
	"github.com/weftdev/weft/internal/common/errors"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/target"
	"github.com/weftdev/weft/internal/work"
)

// ProjectContext bundles the coordination services of one project.
type ProjectContext struct {
	ProjectID string
	Work      *work.Coordinator
	Agents    *agent.Registry
	Targets   *target.Registry
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records activity on the project.
func (p *ProjectContext) Touch() {
	p.mu.Lock()
	p.lastActivity = time.Now().UTC()
	p.mu.Unlock()
}

// LastActivityAt returns the time of the most recent touch.
func (p *ProjectContext) LastActivityAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Manager creates and hands out project contexts. Creation is lazy and
// race-safe: concurrent first touches of one project yield one context.
type Manager struct {
	bus        *bus.Bus
	workCfg    work.Config
	mechanisms target.Mechanisms
	logger     *logger.Logger

	mu       sync.RWMutex
	projects map[string]*ProjectContext
	group    singleflight.Group
}

// NewManager creates an empty project manager.
func NewManager(b *bus.Bus, workCfg work.Config, mechanisms target.Mechanisms, log *logger.Logger) *Manager {
	return &Manager{
		bus:        b,
		workCfg:    workCfg,
		mechanisms: mechanisms,
		logger:     log.WithComponent("project-manager"),
		projects:   make(map[string]*ProjectContext),
	}
}

// GetOrCreate returns the project's context, creating it on first touch.
func (m *Manager) GetOrCreate(projectID string) (*ProjectContext, error) {
	if projectID == "" {
		return nil, errors.BadRequest("project id is required")
	}

	m.mu.RLock()
	pc, exists := m.projects[projectID]
	m.mu.RUnlock()
	if exists {
		pc.Touch()
		return pc, nil
	}

	v, err, _ := m.group.Do(projectID, func() (any, error) {
		m.mu.RLock()
		pc, exists := m.projects[projectID]
		m.mu.RUnlock()
		if exists {
			return pc, nil
		}

		pc = m.create(projectID)
		m.mu.Lock()
		m.projects[projectID] = pc
		m.mu.Unlock()
		return pc, nil
	})
	if err != nil {
		return nil, err
	}

	pc = v.(*ProjectContext)
	pc.Touch()
	return pc, nil
}

func (m *Manager) create(projectID string) *ProjectContext {
	agents := agent.NewRegistry(projectID, m.bus, m.logger)
	pc := &ProjectContext{
		ProjectID:    projectID,
		Work:         work.NewCoordinator(projectID, m.bus, agents, m.workCfg, m.logger),
		Agents:       agents,
		Targets:      target.NewRegistry(projectID, m.bus, m.mechanisms, m.logger),
		CreatedAt:    time.Now().UTC(),
		lastActivity: time.Now().UTC(),
	}

	if err := pc.Work.Start(); err != nil {
		m.logger.Error("failed to start work reaper",
			zap.String("project_id", projectID),
			zap.Error(err))
	}

	m.logger.Info("project context created", zap.String("project_id", projectID))
	return pc
}

// Get returns an existing project context without creating one.
func (m *Manager) Get(projectID string) (*ProjectContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pc, exists := m.projects[projectID]
	if !exists {
		return nil, errors.NotFound("project", projectID)
	}
	return pc, nil
}

// List returns all project contexts ordered by project id.
func (m *Manager) List() []*ProjectContext {
	m.mu.RLock()
	out := make([]*ProjectContext, 0, len(m.projects))
	for _, pc := range m.projects {
		out = append(out, pc)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Count returns the number of live project contexts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.projects)
}

// SeedTargets registers the targets from a declarative inventory.
// Individual registration failures are logged and skipped.
func (m *Manager) SeedTargets(seed *target.SeedFile) {
	for _, p := range seed.Projects {
		pc, err := m.GetOrCreate(p.Project)
		if err != nil {
			m.logger.Warn("skipping target seed for invalid project",
				zap.String("project_id", p.Project),
				zap.Error(err))
			continue
		}
		for _, st := range p.Targets {
			if _, err := pc.Targets.Register(st.Request()); err != nil {
				m.logger.Warn("skipping invalid seed target",
					zap.String("project_id", p.Project),
					zap.String("target_name", st.Name),
					zap.Error(err))
				continue
			}
			m.logger.Info("seeded target",
				zap.String("project_id", p.Project),
				zap.String("target_name", st.Name))
		}
	}
}

// Shutdown stops the background work of every project.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	contexts := make([]*ProjectContext, 0, len(m.projects))
	for _, pc := range m.projects {
		contexts = append(contexts, pc)
	}
	m.mu.RUnlock()

	for _, pc := range contexts {
		if err := pc.Work.Stop(); err != nil {
			m.logger.Warn("failed to stop work reaper",
				zap.String("project_id", pc.ProjectID),
				zap.Error(err))
		}
	}
	m.logger.Info("project manager shut down", zap.Int("projects", len(contexts)))
	return nil
}
