package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxCommandTimeout is the hard wall-clock ceiling for any sandboxed command.
const MaxCommandTimeout = 30 * time.Second

type Config struct {
	Completion CompletionConfig `yaml:"completion"`
	Store      StoreConfig      `yaml:"store"`
	Swarm      SwarmConfig      `yaml:"swarm"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	NATS       NATSConfig       `yaml:"nats"`
	Web        WebConfig        `yaml:"web"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Vault      VaultConfig      `yaml:"vault"`
	Log        LogConfig        `yaml:"log"`
}

type CompletionConfig struct {
	Provider   string `yaml:"provider"` // "anthropic" or "bedrock"
	Model      string `yaml:"model"`
	MaxTokens  int64  `yaml:"max_tokens"`
	APIKey     string `yaml:"api_key"` // literal key or "secret:<name>"
	BaseURL    string `yaml:"base_url"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type SwarmConfig struct {
	Capacity int `yaml:"capacity"`
}

type SandboxConfig struct {
	BaseDir        string         `yaml:"base_dir"`
	ArchiveDir     string         `yaml:"archive_dir"`
	CommandTimeout time.Duration  `yaml:"command_timeout"`
	Runner         string         `yaml:"runner"` // "exec" or "docker"
	Image          string         `yaml:"image"`
	NetworkAccess  bool           `yaml:"network_access"`
	Limits         ResourceLimits `yaml:"limits"`
}

// ResourceLimits are declared per sandbox. Memory and disk are in MiB, CPU in cores.
type ResourceLimits struct {
	MemoryMB int     `yaml:"memory_mb"`
	CPU      float64 `yaml:"cpu"`
	DiskMB   int     `yaml:"disk_mb"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Completion: CompletionConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Store: StoreConfig{
			Path: "data/swarmflow.db",
		},
		Swarm: SwarmConfig{
			Capacity: 3,
		},
		Sandbox: SandboxConfig{
			BaseDir:        "data/sandboxes",
			ArchiveDir:     "data/archives",
			CommandTimeout: MaxCommandTimeout,
			Runner:         "exec",
			Image:          "alpine:3",
			Limits: ResourceLimits{
				MemoryMB: 512,
				CPU:      1,
				DiskMB:   1024,
			},
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Endpoint: "http://127.0.0.1:4318",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration without reading any file or env.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func Load() (*Config, error) {
	path := os.Getenv("SWARMFLOW_CONFIG")
	if path == "" {
		path = "config/swarmflow.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads the config at path (a missing file means defaults), applies
// environment overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Swarm.Capacity < 1 {
		return fmt.Errorf("swarm.capacity must be at least 1, got %d", c.Swarm.Capacity)
	}
	if c.Sandbox.CommandTimeout <= 0 {
		return fmt.Errorf("sandbox.command_timeout must be positive")
	}
	if c.Sandbox.CommandTimeout > MaxCommandTimeout {
		return fmt.Errorf("sandbox.command_timeout %s exceeds the %s ceiling", c.Sandbox.CommandTimeout, MaxCommandTimeout)
	}
	switch c.Sandbox.Runner {
	case "exec", "docker":
	default:
		return fmt.Errorf("unknown sandbox.runner %q", c.Sandbox.Runner)
	}
	switch c.Completion.Provider {
	case "anthropic", "bedrock":
	default:
		return fmt.Errorf("unknown completion.provider %q", c.Completion.Provider)
	}
	if c.Completion.MaxTokens <= 0 {
		return fmt.Errorf("completion.max_tokens must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Completion.APIKey = v
	}
	if v := os.Getenv("SWARMFLOW_MODEL"); v != "" {
		cfg.Completion.Model = v
	}
	if v := os.Getenv("SWARMFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARMFLOW_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.Capacity = n
		}
	}
	if v := os.Getenv("SWARMFLOW_SANDBOX_DIR"); v != "" {
		cfg.Sandbox.BaseDir = v
	}
	if v := os.Getenv("SWARMFLOW_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SWARMFLOW_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SWARMFLOW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SWARMFLOW_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SWARMFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("SWARMFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}
