package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/knadh/koanf/v2"
)

// Service owns the underlying koanf instance that providers populate.
type Service struct {
	k *koanf.Koanf
}

// NewService creates an empty configuration service.
func NewService() *Service {
	return &Service{k: koanf.New(".")}
}

// Manager resolves a Config by applying a chain of Providers and caches the
// result for concurrent readers.
type Manager struct {
	svc *Service
	mu  sync.RWMutex
	cfg *Config
}

// NewManager creates a Manager backed by svc.
func NewManager(svc *Service) *Manager {
	if svc == nil {
		svc = NewService()
	}
	return &Manager{svc: svc}
}

// Load applies each provider in order and unmarshals the result into a
// Config, replacing any previously loaded configuration.
func (m *Manager) Load(ctx context.Context, providers ...Provider) (*Config, error) {
	for _, p := range providers {
		if p == nil {
			continue
		}
		if err := p.Apply(ctx, m.svc.k); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := m.svc.k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the most recently loaded Config, or nil if Load has not been
// called yet.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Close releases any resources held by the Manager. It is a no-op today but
// kept symmetric with the teacher's Manager for future watch-based reloads.
func (m *Manager) Close(_ context.Context) error {
	return nil
}
