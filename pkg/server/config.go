package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Hard minimums. Values below these are silently ignored wherever they come
// from (flags, config file, environment).
const (
	MinChannels = 1
	MinClients  = 10
	MinThreads  = 5
)

// ServerConfig holds the process-wide tunables.
type ServerConfig struct {
	TCPPort     int
	HTTPPort    int // WebSocket endpoint port (0 = disabled)
	MetricsPort int // internal /metrics + /health port (0 = disabled)

	MaxChannels int
	MaxClients  int
	PoolSize    int

	// AdminSecret is the plaintext admin password. Empty disables admin
	// elevation entirely.
	AdminSecret string

	Debug bool
}

// DefaultConfig returns default server configuration. The capacity defaults
// equal the minimums; raise them via config file, environment or flags.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:     3000,
		HTTPPort:    8080,
		MetricsPort: 9090,
		MaxChannels: MinChannels,
		MaxClients:  MinClients,
		PoolSize:    MinThreads,
	}
}

// SetMaxChannels applies a channel capacity override unless it is below the
// minimum.
func (c *ServerConfig) SetMaxChannels(n int) {
	if n >= MinChannels {
		c.MaxChannels = n
	}
}

// SetMaxClients applies a client capacity override unless it is below the
// minimum.
func (c *ServerConfig) SetMaxClients(n int) {
	if n >= MinClients {
		c.MaxClients = n
	}
}

// SetPoolSize applies a worker pool size override unless it is below the
// minimum.
func (c *ServerConfig) SetPoolSize(n int) {
	if n >= MinThreads {
		c.PoolSize = n
	}
}

// SetPort applies a TCP port override.
func (c *ServerConfig) SetPort(n int) {
	if n > 0 && n <= 65535 {
		c.TCPPort = n
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort       int    `toml:"tcp_port"`
	HTTPPort      int    `toml:"http_port"`
	MetricsPort   int    `toml:"metrics_port"`
	AdminPassword string `toml:"admin_password"`
}

type LimitsSection struct {
	MaxChannels int `toml:"max_channels"`
	MaxClients  int `toml:"max_clients"`
	PoolSize    int `toml:"pool_size"`
}

// LoadConfig loads configuration from a TOML file and applies environment
// variable overrides. A missing file is not an error; defaults are returned.
func LoadConfig(path string) (ServerConfig, error) {
	cfg := DefaultConfig()

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ServerConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var fileCfg TOMLConfig
			if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
				return ServerConfig{}, fmt.Errorf("failed to parse config file: %w", err)
			}
			cfg.apply(fileCfg)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *ServerConfig) apply(file TOMLConfig) {
	if file.Server.TCPPort != 0 {
		c.SetPort(file.Server.TCPPort)
	}
	if file.Server.HTTPPort != 0 {
		c.HTTPPort = file.Server.HTTPPort
	}
	if file.Server.MetricsPort != 0 {
		c.MetricsPort = file.Server.MetricsPort
	}
	if file.Server.AdminPassword != "" {
		c.AdminSecret = file.Server.AdminPassword
	}
	if file.Limits.MaxChannels != 0 {
		c.SetMaxChannels(file.Limits.MaxChannels)
	}
	if file.Limits.MaxClients != 0 {
		c.SetMaxClients(file.Limits.MaxClients)
	}
	if file.Limits.PoolSize != 0 {
		c.SetPoolSize(file.Limits.PoolSize)
	}
}

// applyEnvOverrides applies environment variable overrides following the
// pattern CHATRELAY_SECTION_KEY, e.g. CHATRELAY_SERVER_TCP_PORT=4000.
func (c *ServerConfig) applyEnvOverrides() {
	if val := os.Getenv("CHATRELAY_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.SetPort(port)
		}
	}
	if val := os.Getenv("CHATRELAY_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.HTTPPort = port
		}
	}
	if val := os.Getenv("CHATRELAY_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.MetricsPort = port
		}
	}
	if val := os.Getenv("CHATRELAY_SERVER_ADMIN_PASSWORD"); val != "" {
		c.AdminSecret = val
	}
	if val := os.Getenv("CHATRELAY_LIMITS_MAX_CHANNELS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			c.SetMaxChannels(limit)
		}
	}
	if val := os.Getenv("CHATRELAY_LIMITS_MAX_CLIENTS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			c.SetMaxClients(limit)
		}
	}
	if val := os.Getenv("CHATRELAY_LIMITS_POOL_SIZE"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			c.SetPoolSize(limit)
		}
	}
}
