package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigEqualsMinimums(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 3000, config.TCPPort)
	assert.Equal(t, MinChannels, config.MaxChannels)
	assert.Equal(t, MinClients, config.MaxClients)
	assert.Equal(t, MinThreads, config.PoolSize)
}

func TestSettersIgnoreSubMinimumValues(t *testing.T) {
	config := DefaultConfig()

	config.SetMaxChannels(0)
	config.SetMaxClients(3)
	config.SetPoolSize(1)
	config.SetPort(-1)

	assert.Equal(t, MinChannels, config.MaxChannels)
	assert.Equal(t, MinClients, config.MaxClients)
	assert.Equal(t, MinThreads, config.PoolSize)
	assert.Equal(t, 3000, config.TCPPort)

	config.SetMaxChannels(100)
	config.SetMaxClients(500)
	config.SetPoolSize(8)
	config.SetPort(4000)

	assert.Equal(t, 100, config.MaxChannels)
	assert.Equal(t, 500, config.MaxClients)
	assert.Equal(t, 8, config.PoolSize)
	assert.Equal(t, 4000, config.TCPPort)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 4000
admin_password = "hunter2"

[limits]
max_channels = 20
max_clients = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, config.TCPPort)
	assert.Equal(t, "hunter2", config.AdminSecret)
	assert.Equal(t, 20, config.MaxChannels)
	assert.Equal(t, MinClients, config.MaxClients, "sub-minimum file values are ignored")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_SERVER_TCP_PORT", "5000")
	t.Setenv("CHATRELAY_LIMITS_MAX_CHANNELS", "7")
	t.Setenv("CHATRELAY_LIMITS_POOL_SIZE", "2") // below minimum, ignored

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 5000, config.TCPPort)
	assert.Equal(t, 7, config.MaxChannels)
	assert.Equal(t, MinThreads, config.PoolSize)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
