package tenant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrInvalidInput indicates a malformed tenant identifier or config.
var ErrInvalidInput = errors.New("tenant: invalid input")

const (
	// DefaultMaxEmergencyDuration caps how long an activated break-glass
	// grant may live, regardless of what a tenant configures above it.
	DefaultMaxEmergencyDuration = 4 * time.Hour

	DefaultRequiredApprovals = 2
	DefaultDataRetention     = 7 * 365 * 24 * time.Hour
)

// DefaultApproverRoles is the role set allowed to vote on break-glass
// requests when a tenant has not narrowed it.
var DefaultApproverRoles = []string{"DOCTOR", "ADMINISTRATOR", "SENIOR_NURSE"}

// Config is the read-only per-tenant break-glass configuration.
type Config struct {
	MaxEmergencyDuration time.Duration
	RequiredApprovals    int
	AllowedApproverRoles []string
	DataRetention        time.Duration
}

// Normalize fills zero values with defaults and clamps the duration cap.
func (c Config) Normalize() Config {
	if c.MaxEmergencyDuration <= 0 || c.MaxEmergencyDuration > DefaultMaxEmergencyDuration {
		c.MaxEmergencyDuration = DefaultMaxEmergencyDuration
	}
	if c.RequiredApprovals <= 0 {
		c.RequiredApprovals = DefaultRequiredApprovals
	}
	if len(c.AllowedApproverRoles) == 0 {
		c.AllowedApproverRoles = append([]string(nil), DefaultApproverRoles...)
	}
	if c.DataRetention <= 0 {
		c.DataRetention = DefaultDataRetention
	}
	return c
}

// Provider resolves configuration for an organization.
type Provider interface {
	Get(ctx context.Context, organizationID string) (Config, error)
}

// StaticProvider serves per-organization overrides on top of defaults.
type StaticProvider struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewStaticProvider creates a provider that answers defaults for every
// organization until overrides are installed.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{configs: make(map[string]Config)}
}

// Set installs an override for the organization.
func (p *StaticProvider) Set(organizationID string, cfg Config) error {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return ErrInvalidInput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[organizationID] = cfg.Normalize()
	return nil
}

// Get returns the organization's configuration or the defaults.
func (p *StaticProvider) Get(_ context.Context, organizationID string) (Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.configs[strings.TrimSpace(organizationID)]; ok {
		return cfg, nil
	}
	return Config{}.Normalize(), nil
}
