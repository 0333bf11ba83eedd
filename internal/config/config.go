package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime settings for all three PagePulse binaries,
// loaded from the environment.
type Config struct {
	// APIEndpoint is the base path of the remote ingestion service,
	// e.g. http://analytics.example.com/api/analytics.
	APIEndpoint string `env:"PAGEPULSE_API_ENDPOINT" envDefault:"http://127.0.0.1:8123/api/analytics"`

	// AgentAddress is where the capture agent listens for the page's
	// interaction posts.
	AgentAddress string `env:"PAGEPULSE_AGENT_ADDRESS" envDefault:"127.0.0.1:8124"`

	// ProxyAddress is where the background syncd's intercepting proxy
	// listens.
	ProxyAddress string `env:"PAGEPULSE_PROXY_ADDRESS" envDefault:"127.0.0.1:8125"`

	// ServerAddress is where the ingestion service listens.
	ServerAddress string `env:"PAGEPULSE_SERVER_ADDRESS" envDefault:"127.0.0.1:8123"`

	// DataDir overrides the platform-specific application data
	// directory when set.
	DataDir string `env:"PAGEPULSE_DATA_DIR"`

	SyncInterval time.Duration `env:"PAGEPULSE_SYNC_INTERVAL" envDefault:"30s"`
	MaxRetries   int           `env:"PAGEPULSE_MAX_RETRIES" envDefault:"3"`

	// PruneAge is how old a synced event must be before the agent
	// deletes it locally. Unsynced events are never pruned.
	PruneAge time.Duration `env:"PAGEPULSE_PRUNE_AGE" envDefault:"720h"`

	Debug bool `env:"PAGEPULSE_DEBUG" envDefault:"false"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
