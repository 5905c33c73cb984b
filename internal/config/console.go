package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	AuthToken       string   `json:"auth_token"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ReadTimeoutSec  int      `json:"read_timeout_sec"`
	WriteTimeoutSec int      `json:"write_timeout_sec"`
}

type WorkerConfig struct {
	BaseURL           string `json:"base_url"`
	AuthToken         string `json:"auth_token"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
	VersionConstraint string `json:"version_constraint"`
}

type PollingConfig struct {
	SessionIntervalSec   int `json:"session_interval_sec"`
	SessionTimeoutSec    int `json:"session_timeout_sec"`
	DashboardIntervalSec int `json:"dashboard_interval_sec"`
}

type AlertsConfig struct {
	Discord struct {
		BotToken  string `json:"bot_token"`
		ChannelID string `json:"channel_id"`
	} `json:"discord"`
}

type ConsoleConfig struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Worker   WorkerConfig   `json:"worker"`
	Polling  PollingConfig  `json:"polling"`
	Alerts   AlertsConfig   `json:"alerts"`
}

const (
	defaultServerReadTimeoutSec     = 15
	defaultServerWriteTimeoutSec    = 30
	defaultWorkerRequestTimeoutSec  = 10
	defaultSessionPollIntervalSec   = 5
	defaultSessionPollTimeoutSec    = 4
	defaultDashboardPollIntervalSec = 10
)

func LoadConsoleConfig(path string) (*ConsoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ConsoleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := validateConsoleConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment (or a .env file
// loaded before the config) instead of the config file on disk.
func (cfg *ConsoleConfig) applyEnvOverrides() {
	if v := os.Getenv("BIDWATCH_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("BIDWATCH_WORKER_TOKEN"); v != "" {
		cfg.Worker.AuthToken = v
	}
	if v := os.Getenv("BIDWATCH_DISCORD_TOKEN"); v != "" {
		cfg.Alerts.Discord.BotToken = v
	}
	if v := os.Getenv("BIDWATCH_DISCORD_CHANNEL"); v != "" {
		cfg.Alerts.Discord.ChannelID = v
	}
}

func validateConsoleConfig(cfg *ConsoleConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Server.ReadTimeoutSec <= 0 {
		cfg.Server.ReadTimeoutSec = defaultServerReadTimeoutSec
	}
	if cfg.Server.WriteTimeoutSec <= 0 {
		cfg.Server.WriteTimeoutSec = defaultServerWriteTimeoutSec
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./bidwatch.db"
	}

	if cfg.Worker.BaseURL == "" {
		return fmt.Errorf("validation error: worker.base_url is required")
	}
	if cfg.Worker.RequestTimeoutSec <= 0 {
		cfg.Worker.RequestTimeoutSec = defaultWorkerRequestTimeoutSec
	}

	if cfg.Polling.SessionIntervalSec <= 0 {
		cfg.Polling.SessionIntervalSec = defaultSessionPollIntervalSec
	}
	if cfg.Polling.SessionTimeoutSec <= 0 {
		cfg.Polling.SessionTimeoutSec = defaultSessionPollTimeoutSec
	}
	if cfg.Polling.SessionTimeoutSec >= cfg.Polling.SessionIntervalSec {
		return fmt.Errorf("validation error: polling.session_timeout_sec must be less than polling.session_interval_sec, got %d >= %d",
			cfg.Polling.SessionTimeoutSec, cfg.Polling.SessionIntervalSec)
	}
	if cfg.Polling.DashboardIntervalSec <= 0 {
		cfg.Polling.DashboardIntervalSec = defaultDashboardPollIntervalSec
	}

	if cfg.Alerts.Discord.BotToken != "" && cfg.Alerts.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: alerts.discord.channel_id is required when a bot token is set")
	}

	return nil
}
