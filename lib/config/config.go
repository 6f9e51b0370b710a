// Package config loads RunnerHub's environment-sourced configuration
// (spec.md §6) using struct tags processed by go-envconfig.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ScalingPolicy selects a scaling-controller preset (spec.md §4.5).
type ScalingPolicy string

const (
	PolicyAggressive   ScalingPolicy = "aggressive"
	PolicyBalanced     ScalingPolicy = "balanced"
	PolicyConservative ScalingPolicy = "conservative"
)

// Config is the full environment-sourced configuration surface named in
// spec.md §6.
type Config struct {
	// Credentials
	WebhookSecret string `env:"WEBHOOK_SECRET,required"`
	GitHubToken   string `env:"GITHUB_TOKEN"`
	GitHubAppID   int64  `env:"GITHUB_APP_ID"`
	GitHubInstID  int64  `env:"GITHUB_INSTALLATION_ID"`
	GitHubAppKey  string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubOrg     string `env:"GITHUB_ORG,required"`

	// Pool defaults
	MinRunners         int           `env:"MIN_RUNNERS,default=0"`
	MaxRunners         int           `env:"MAX_RUNNERS,default=10"`
	ScaleIncrement     int           `env:"SCALE_INCREMENT,default=2"`
	ScaleUpThreshold   float64       `env:"SCALE_UP_THRESHOLD,default=0.8"`
	ScaleDownThreshold float64       `env:"SCALE_DOWN_THRESHOLD,default=0.2"`
	IdleTimeout        time.Duration `env:"IDLE_TIMEOUT,default=5m"`
	MaxRunnerAge       time.Duration `env:"MAX_RUNNER_AGE,default=1h"`

	// Scaling policy
	ScalingPolicy       ScalingPolicy `env:"SCALING_POLICY,default=balanced"`
	Cooldown            time.Duration `env:"COOLDOWN,default=5m"`
	MaxScaleUp          int           `env:"MAX_SCALE_UP,default=10"`
	MaxScaleDown        int           `env:"MAX_SCALE_DOWN,default=5"`
	TargetUtilization   float64       `env:"TARGET_UTILIZATION,default=0.6"`
	ConfidenceThreshold float64       `env:"CONFIDENCE_THRESHOLD,default=0.8"`

	// Pre-warming
	PrewarmPoolSize int           `env:"PREWARM_POOL_SIZE,default=2"`
	PrewarmTemplate []string      `env:"PREWARM_TEMPLATES,default=ubuntu-latest;ubuntu-22.04;node,delimiter=;"`
	PrewarmMaxAge   time.Duration `env:"PREWARM_MAX_AGE,default=1h"`

	// Budget
	BudgetDaily       float64 `env:"BUDGET_DAILY,default=0"`
	BudgetMonthly     float64 `env:"BUDGET_MONTHLY,default=0"`
	WarningThreshold  float64 `env:"WARNING_THRESHOLD,default=0.8"`
	CriticalThreshold float64 `env:"CRITICAL_THRESHOLD,default=0.95"`

	// HA
	HAEnabled           bool          `env:"HA_ENABLED,default=false"`
	NodeID              string        `env:"NODE_ID"`
	LeaderTTL           time.Duration `env:"LEADER_TTL,default=15s"`
	LeaderRenewInterval time.Duration `env:"LEADER_RENEW_INTERVAL,default=5s"`

	// Network
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	DBURL      string `env:"DB_URL,default=./data"`
	CacheURL   string `env:"CACHE_URL"`

	// Control API auth - validation only, this process never issues tokens
	JWTSecret string `env:"JWT_SECRET"`

	// Container runtime (C4)
	DockerPath    string        `env:"DOCKER_PATH,default=docker"`
	WorkspacePath string        `env:"WORKSPACE_PATH,default=runnerhub_workspace"`
	WarmupTimeout time.Duration `env:"WARMUP_TIMEOUT,default=90s"`
	NetworkName   string        `env:"RUNNER_NETWORK,default=runnerhub-net"`

	// Logging (ambient, not named explicitly in spec.md §6 but needed by
	// every other component)
	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogJSON  bool   `env:"LOG_JSON,default=false"`
}

// Load reads Config from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, lu); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants Process's struct tags can't express (bounds
// relationships, enum membership).
func (c *Config) Validate() error {
	if c.MinRunners < 0 || c.MaxRunners < c.MinRunners {
		return fmt.Errorf("config: MAX_RUNNERS must be >= MIN_RUNNERS")
	}
	switch c.ScalingPolicy {
	case PolicyAggressive, PolicyBalanced, PolicyConservative:
	default:
		return fmt.Errorf("config: SCALING_POLICY must be one of aggressive|balanced|conservative, got %q", c.ScalingPolicy)
	}
	if c.HAEnabled && c.NodeID == "" {
		return fmt.Errorf("config: NODE_ID is required when HA_ENABLED=true")
	}
	return nil
}
