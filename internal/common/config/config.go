// Package config loads service configuration from environment variables and
// an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Hosted   HostedConfig   `mapstructure:"hosted"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	NATS     NATSConfig     `mapstructure:"nats"`
	LLM      LLMConfig      `mapstructure:"llm"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	PublicURL    string `mapstructure:"public_url"` // base URL used to build webhook callback URLs
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// ReadTimeoutDuration returns the read timeout as a duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// DockerConfig configures the sandbox Docker client.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
	Image      string `mapstructure:"image"` // sandbox agent image
	Tag        string `mapstructure:"tag"`
}

// HostedConfig configures the hosted agent backend.
type HostedConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout"` // dispatch timeout in seconds
}

// TimeoutDuration returns the dispatch timeout as a duration.
func (h HostedConfig) TimeoutDuration() time.Duration {
	if h.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.Timeout) * time.Second
}

// WebhookConfig holds inbound webhook signing secrets. Empty secrets disable
// signature verification for the corresponding route.
type WebhookConfig struct {
	AgentSecret  string `mapstructure:"agent_secret"`
	GithubSecret string `mapstructure:"github_secret"`
}

// NATSConfig configures the event bus connection.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
	ReconnectWait int    `mapstructure:"reconnect_wait"` // seconds
}

// LLMConfig configures the text-generation client.
type LLMConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// Load reads configuration from CREWDECK_* environment variables and an
// optional crewdeck.yaml in the working directory.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "crewdeck.db")
	v.SetDefault("docker.image", "crewdeck/sandbox-agent")
	v.SetDefault("docker.tag", "latest")
	v.SetDefault("hosted.timeout", 30)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.client_id", "crewdeck")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2)
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")

	v.SetEnvPrefix("CREWDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("crewdeck")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
