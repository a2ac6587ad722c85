package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config carries backend credentials and fetch tuning, populated from the
// environment. The variable names match what the surrounding tooling
// already exports: the cloud profile reuses the ARIZE_* variables, the
// local profile reuses PHOENIX_ENDPOINT and the OTel service name as the
// project.
type Config struct {
	ArizeAPIKey   string `env:"ARIZE_API_KEY"`
	ArizeSpaceKey string `env:"ARIZE_SPACE_KEY"`
	ArizeModelID  string `env:"ARIZE_MODEL_ID,default=dev-agent-lens"`
	ArizeEndpoint string `env:"ARIZE_ENDPOINT,default=https://api.arize.com"`

	PhoenixEndpoint string `env:"PHOENIX_ENDPOINT,default=http://localhost:6006"`
	PhoenixProject  string `env:"OTEL_SERVICE_NAME,default=default"`

	// Fetch tuning. Workers bounds shard concurrency; the backend is the
	// rate-limited resource, so the default stays small.
	Workers     int           `env:"LOOM_FETCH_WORKERS,default=6"`
	PageSize    int           `env:"LOOM_PAGE_SIZE,default=1000"`
	PageTimeout time.Duration `env:"LOOM_PAGE_TIMEOUT,default=30s"`
	MaxAttempts uint          `env:"LOOM_FETCH_ATTEMPTS,default=4"`
	RetryDelay  time.Duration `env:"LOOM_RETRY_DELAY,default=500ms"`
}

// LoadConfig reads Config from the process environment.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading backend config: %w", err)
	}
	return cfg, nil
}

// HasArize reports whether the cloud profile is fully configured.
func (c Config) HasArize() bool {
	return c.ArizeAPIKey != "" && c.ArizeSpaceKey != ""
}
