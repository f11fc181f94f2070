// internal/config/config.go

// Package config loads lobby settings from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full lobby configuration.
type Config struct {
	Server struct {
		ListenAddr    string        `yaml:"listen_addr"`
		WSAddr        string        `yaml:"ws_addr"` // empty disables the websocket endpoint
		AdvertiseHost string        `yaml:"advertise_host"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		OutboxSize    int           `yaml:"outbox_size"`
	} `yaml:"server"`

	Games struct {
		PortMin        int           `yaml:"port_min"`
		PortMax        int           `yaml:"port_max"` // inclusive
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
		ProbePorts     bool          `yaml:"probe_ports"`
		Dir            string        `yaml:"dir"`
		LogDir         string        `yaml:"log_dir"`
		StartupGrace   time.Duration `yaml:"startup_grace"`
		ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
		TicketTTL      time.Duration `yaml:"ticket_ttl"`
	} `yaml:"games"`

	Versions struct {
		AutoUpgrade bool          `yaml:"auto_upgrade"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"versions"`

	Developer struct {
		URL        string        `yaml:"url"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"developer"`

	Database struct {
		URL        string        `yaml:"url"`
		MaxRetries int           `yaml:"max_retries"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"database"`

	Redis struct {
		Addr         string `yaml:"addr"` // empty disables redis
		DB           int    `yaml:"db"`
		HistoryQueue string `yaml:"history_queue"`
	} `yaml:"redis"`

	Historian struct {
		BatchSize  int           `yaml:"batch_size"`
		FlushDelay time.Duration `yaml:"flush_delay"`
	} `yaml:"historian"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}

	cfg.Server.ListenAddr = ":10002"
	cfg.Server.AdvertiseHost = "127.0.0.1"
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.OutboxSize = 64

	cfg.Games.PortMin = 5000
	cfg.Games.PortMax = 5099
	cfg.Games.AcquireTimeout = 5 * time.Second
	cfg.Games.ProbePorts = true
	cfg.Games.Dir = "uploaded_games"
	cfg.Games.LogDir = "game_server_logs"
	cfg.Games.StartupGrace = 300 * time.Millisecond
	cfg.Games.ShutdownGrace = 10 * time.Second
	cfg.Games.TicketTTL = 10 * time.Minute

	cfg.Versions.AutoUpgrade = true
	cfg.Versions.CacheTTL = 5 * time.Second

	cfg.Developer.URL = "http://127.0.0.1:10003"
	cfg.Developer.Timeout = 5 * time.Second
	cfg.Developer.MaxRetries = 3

	cfg.Database.MaxRetries = 3
	cfg.Database.Timeout = 5 * time.Second

	cfg.Redis.HistoryQueue = "lobby_sessions"

	cfg.Historian.BatchSize = 20
	cfg.Historian.FlushDelay = 500 * time.Millisecond

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load builds the configuration. If LOBBY_CONFIG names a file it is read
// as YAML on top of the defaults; environment variables win over both.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("LOBBY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("LOBBY_ADDR", c.Server.ListenAddr)
	c.Server.WSAddr = getEnv("LOBBY_WS_ADDR", c.Server.WSAddr)
	c.Server.AdvertiseHost = getEnv("ADVERTISE_HOST", c.Server.AdvertiseHost)

	c.Games.PortMin = getEnvInt("GAME_PORT_MIN", c.Games.PortMin)
	c.Games.PortMax = getEnvInt("GAME_PORT_MAX", c.Games.PortMax)
	c.Games.AcquireTimeout = getEnvDuration("PORT_ACQUIRE_TIMEOUT", c.Games.AcquireTimeout)
	c.Games.Dir = getEnv("GAMES_DIR", c.Games.Dir)
	c.Games.LogDir = getEnv("GAME_LOG_DIR", c.Games.LogDir)
	c.Games.StartupGrace = getEnvDuration("GAME_STARTUP_GRACE", c.Games.StartupGrace)
	c.Games.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", c.Games.ShutdownGrace)
	c.Games.TicketTTL = getEnvDuration("TICKET_TTL", c.Games.TicketTTL)

	c.Versions.AutoUpgrade = getEnvBool("AUTO_UPGRADE", c.Versions.AutoUpgrade)
	c.Versions.CacheTTL = getEnvDuration("VERSION_CACHE_TTL", c.Versions.CacheTTL)

	c.Developer.URL = getEnv("DEVELOPER_URL", c.Developer.URL)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.HistoryQueue = getEnv("HISTORIAN_QUEUE_NAME", c.Redis.HistoryQueue)

	c.Historian.BatchSize = getEnvInt("HISTORIAN_BATCH_SIZE", c.Historian.BatchSize)
	if ms := getEnvInt("HISTORIAN_FLUSH_MS", 0); ms > 0 {
		c.Historian.FlushDelay = time.Duration(ms) * time.Millisecond
	}

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the lobby cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Games.PortMin <= 0 || c.Games.PortMax > 65535 || c.Games.PortMin > c.Games.PortMax {
		return fmt.Errorf("invalid game port range %d-%d", c.Games.PortMin, c.Games.PortMax)
	}
	if c.Games.AcquireTimeout <= 0 {
		return fmt.Errorf("port acquire timeout must be positive")
	}
	if c.Server.OutboxSize <= 0 {
		return fmt.Errorf("outbox size must be positive")
	}
	return nil
}

// PortCount is the size of the game port pool.
func (c *Config) PortCount() int {
	return c.Games.PortMax - c.Games.PortMin + 1
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func getEnvBool(key string, def bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}
