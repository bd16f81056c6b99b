package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHAIN_1_IDENTITY_REGISTRY", "0x1111111111111111111111111111111111111111")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, uint64(DefaultConfirmationDepth), cfg.ConfirmationDepth)
	assert.Equal(t, 15*time.Second, cfg.ScanInterval)
	assert.Equal(t, 5*time.Minute, cfg.EvaluationTTL)

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, int64(DefaultChainID), cfg.Chains[0].ChainID)
	assert.Equal(t, uint64(DefaultChunkSize), cfg.Chains[0].ChunkSize)
}

func TestLoadMultiChain(t *testing.T) {
	t.Setenv("CHAIN_COUNT", "2")
	t.Setenv("CHAIN_1_NAME", "base-sepolia")
	t.Setenv("CHAIN_1_IDENTITY_REGISTRY", "0x1111111111111111111111111111111111111111")
	t.Setenv("CHAIN_1_CHUNK_SIZE", "800")
	t.Setenv("CHAIN_2_NAME", "eth-sepolia")
	t.Setenv("CHAIN_2_ID", "11155111")
	t.Setenv("CHAIN_2_RPC_URL", "https://rpc.sepolia.org")
	t.Setenv("CHAIN_2_IDENTITY_REGISTRY", "0x2222222222222222222222222222222222222222")
	t.Setenv("CHAIN_2_DEPLOY_BLOCK", "4500000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 2)

	assert.Equal(t, uint64(800), cfg.Chains[0].ChunkSize)
	assert.Equal(t, int64(11155111), cfg.Chains[1].ChainID)
	assert.Equal(t, uint64(4500000), cfg.Chains[1].DeployBlock)
	assert.Equal(t, 1, cfg.Chains[0].Priority)
	assert.Equal(t, 2, cfg.Chains[1].Priority)
}

func TestLoadMissingRegistry(t *testing.T) {
	t.Setenv("CHAIN_1_IDENTITY_REGISTRY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDENTITY_REGISTRY")
}

func TestValidatePrivateKey(t *testing.T) {
	t.Setenv("CHAIN_1_IDENTITY_REGISTRY", "0x1111111111111111111111111111111111111111")
	t.Setenv("PRIVATE_KEY", "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY")
}

func TestEnvModeHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}
