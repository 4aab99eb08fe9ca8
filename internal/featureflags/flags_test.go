package featureflags

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/config"
)

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()

	assert.True(t, NewEnvProvider("high").GetPriority(ctx, "any"))
	assert.False(t, NewEnvProvider("normal").GetPriority(ctx, "any"))
	assert.False(t, NewEnvProvider("").GetPriority(ctx, "any"))
}

func TestFromConfigSelectsEnvProvider(t *testing.T) {
	cfg := &config.Producer{
		FeatureFlagEngine: config.FlagEngineEnvVar,
		ScanPriority:      "high",
	}
	p := FromConfig(cfg)
	require.IsType(t, &EnvProvider{}, p)
	assert.True(t, p.GetPriority(context.Background(), "t"))
}

func TestFromConfigFlagsmithWithoutKeyFallsBack(t *testing.T) {
	cfg := &config.Producer{
		FeatureFlagEngine: config.FlagEngineFlagsmith,
		ScanPriority:      "normal",
	}
	p := FromConfig(cfg)
	assert.IsType(t, &EnvProvider{}, p)
}

func TestFromConfigSelectsFlagsmith(t *testing.T) {
	cfg := &config.Producer{
		FeatureFlagEngine: config.FlagEngineFlagsmith,
		FlagsmithAPIKey:   "ser.key",
	}
	p := FromConfig(cfg)
	assert.IsType(t, &FlagsmithProvider{}, p)
}
