package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mainnet", cfg.General.Network)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "9000", cfg.Gateway.Port)
	assert.Equal(t, 1, cfg.Sync.RedundancyFactor)
	assert.Equal(t, 600*time.Second, cfg.Sync.BlockRequestTimeout)
}

func TestLoadReadsTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dusksync.toml")
	contents := `
[general]
network = "testnet"

[gateway]
port = "9100"

[sync]
redundancyfactor = 3
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "testnet", cfg.General.Network)
	assert.Equal(t, "9100", cfg.Gateway.Port)
	assert.Equal(t, 3, cfg.Sync.RedundancyFactor)
}

func TestConfigureLoggerRejectsInvalidLevel(t *testing.T) {
	err := ConfigureLogger(LoggerConfiguration{Level: "not-a-level", Output: "stdout"})
	assert.Error(t, err)
}
