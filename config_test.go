package corestream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, defaultAPIPrefix, cfg.Prefix)
	assert.Equal(t, defaultWait, cfg.Wait)
	assert.Equal(t, defaultStallWait, cfg.PublishAsync.StallWait)
	require.NoError(t, cfg.Validate())
}

func TestSetDefaultsLeavesExplicitValuesAlone(t *testing.T) {
	cfg := Config{Prefix: "$JS.API", Wait: 30}
	SetDefaults(&cfg)

	assert.Equal(t, "$JS.API", cfg.Prefix)
	assert.EqualValues(t, 30, cfg.Wait)
}

func TestValidateRejectsNegativeWait(t *testing.T) {
	cfg := Config{Wait: -1}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidTimeout)
}

func TestValidateRejectsNegativeMaxPending(t *testing.T) {
	cfg := Config{PublishAsync: PublishAsyncConfig{MaxPending: -1}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArg)
}

func TestResolvedPrefixDomainOverridesPrefix(t *testing.T) {
	cfg := Config{Prefix: "$JS.API", Domain: "hub"}
	assert.Equal(t, "$JS.hub.API", cfg.resolvedPrefix())
}

func TestResolvedPrefixStripsTrailingDot(t *testing.T) {
	cfg := Config{Prefix: "$JS.API."}
	assert.Equal(t, "$JS.API", cfg.resolvedPrefix())
}

func TestResolvedPrefixDefaultsWhenEmpty(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, defaultAPIPrefix, cfg.resolvedPrefix())
}
