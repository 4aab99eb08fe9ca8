// Package featureflags resolves a tenant's scan priority. The production
// provider asks Flagsmith for the tenant's scan_plan; deployments without a
// flag service pin the priority through the environment.
package featureflags

import (
	"context"
	"log/slog"

	flagsmith "github.com/Flagsmith/flagsmith-go-client/v3"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/cache"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/config"
)

// Provider answers whether a tenant's traffic scans on the priority queue.
type Provider interface {
	GetPriority(ctx context.Context, tenantID string) bool
}

// FlagsmithProvider queries identity flags for the scan_plan feature and
// maps the plan through the priority policy. Any failure degrades to
// normal priority with a log line.
type FlagsmithProvider struct {
	client *flagsmith.Client
}

// NewFlagsmithProvider builds the Flagsmith-backed provider. baseURL is
// optional and points at a self-hosted API.
func NewFlagsmithProvider(apiKey, baseURL string) *FlagsmithProvider {
	var opts []flagsmith.Option
	if baseURL != "" {
		opts = append(opts, flagsmith.WithBaseURL(baseURL))
	}
	return &FlagsmithProvider{client: flagsmith.NewClient(apiKey, opts...)}
}

func (p *FlagsmithProvider) GetPriority(ctx context.Context, tenantID string) bool {
	if p.client == nil {
		return false
	}
	flags, err := p.client.GetIdentityFlags(ctx, tenantID, nil)
	if err != nil {
		slog.Warn("flagsmith query failed, defaulting to normal priority", "tenant_id", tenantID, "error", err)
		return false
	}
	val, err := flags.GetFeatureValue("scan_plan")
	if err != nil {
		slog.Warn("scan_plan flag missing, defaulting to normal priority", "tenant_id", tenantID, "error", err)
		return false
	}
	plan, _ := val.(string)
	return cache.PlanPriority(plan) == "high"
}

// EnvProvider returns a fixed priority from configuration.
type EnvProvider struct {
	priority string
}

// NewEnvProvider builds the env-var provider from SCAN_PRIORITY.
func NewEnvProvider(priority string) *EnvProvider {
	return &EnvProvider{priority: priority}
}

func (p *EnvProvider) GetPriority(ctx context.Context, tenantID string) bool {
	return p.priority == "high"
}

// FromConfig selects the provider named by FEATURE_FLAG_ENGINE.
func FromConfig(cfg *config.Producer) Provider {
	if cfg.FeatureFlagEngine == config.FlagEngineFlagsmith && cfg.FlagsmithAPIKey != "" {
		return NewFlagsmithProvider(cfg.FlagsmithAPIKey, cfg.FlagsmithBaseURL)
	}
	return NewEnvProvider(cfg.ScanPriority)
}
