package target

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the declarative target inventory loaded at startup.
type SeedFile struct {
	Projects []SeedProject `yaml:"projects"`
}

// SeedProject groups the targets seeded into one project.
type SeedProject struct {
	Project string       `yaml:"project"`
	Targets []SeedTarget `yaml:"targets"`
}

// SeedTarget mirrors RegisterRequest in YAML form.
type SeedTarget struct {
	Name         string            `yaml:"name"`
	AgentType    string            `yaml:"agentType"`
	Capabilities []string          `yaml:"capabilities"`
	Boundaries   []string          `yaml:"boundaries"`
	Mechanism    string            `yaml:"mechanism"`
	Config       map[string]string `yaml:"config"`
	MaxInstances int               `yaml:"maxInstances"`
	Enabled      *bool             `yaml:"enabled"`
}

// LoadSeedFile parses a target inventory from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}

	for i, p := range seed.Projects {
		if p.Project == "" {
			return nil, fmt.Errorf("targets file: projects[%d] is missing a project id", i)
		}
	}
	return &seed, nil
}

// Request converts a seed entry into a registration request.
func (s SeedTarget) Request() RegisterRequest {
	return RegisterRequest{
		Name:         s.Name,
		AgentType:    s.AgentType,
		Capabilities: s.Capabilities,
		Boundaries:   s.Boundaries,
		Mechanism:    s.Mechanism,
		Config:       s.Config,
		MaxInstances: s.MaxInstances,
		Enabled:      s.Enabled,
	}
}
