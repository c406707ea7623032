package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// OrgsConfig holds a map of per-organization config overrides.
type OrgsConfig struct {
	Orgs map[string]Config `yaml:"orgs"`
}

// Manager resolves the effective config for a given organization, layering
// per-org overrides (scheduler concurrency, budget caps) on top of the
// global config loaded from the master file.
type Manager struct {
	globalConfig *Config
	orgConfigs   map[string]Config
	mu           sync.RWMutex
}

// NewManager loads both the master config and the optional per-org overrides file.
func NewManager(masterPath, orgsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(orgsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, orgConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc OrgsConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig: master,
		orgConfigs:   oc.Orgs,
	}, nil
}

// Get returns the effective config for an organization, merging its
// overrides (if any) on top of the global config.
func (m *Manager) Get(orgID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.orgConfigs[orgID]
	if !ok {
		return &effective
	}

	if override.Scheduler.PerOrgConcurrency != 0 {
		effective.Scheduler.PerOrgConcurrency = override.Scheduler.PerOrgConcurrency
	}
	if override.Scheduler.CommandTimeoutSec != 0 {
		effective.Scheduler.CommandTimeoutSec = override.Scheduler.CommandTimeoutSec
	}
	if override.Budget.PerTaskUSD != 0 {
		effective.Budget.PerTaskUSD = override.Budget.PerTaskUSD
	}
	if override.Budget.PerOrgDailyUSD != 0 {
		effective.Budget.PerOrgDailyUSD = override.Budget.PerOrgDailyUSD
	}
	if override.Workspace.MaxPerOrgMB != 0 {
		effective.Workspace.MaxPerOrgMB = override.Workspace.MaxPerOrgMB
	}

	return &effective
}
