package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Execution modes
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config is the complete coordinator configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Mode      string          `json:"mode" yaml:"mode"` // paper or live
	Lock      LockConfig      `json:"lock" yaml:"lock"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
}

// ServerConfig contains HTTP server parameters.
type ServerConfig struct {
	Port string `json:"port" yaml:"port"`
}

// LockConfig governs the lock & queue manager.
type LockConfig struct {
	TimeoutMs     int           `json:"timeout_ms" yaml:"timeout_ms"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
}

// Timeout returns the lock timeout as a duration.
func (l LockConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// ExecutionConfig governs the order execution engine retry policy.
type ExecutionConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	CapDelay   time.Duration `json:"cap_delay" yaml:"cap_delay"`
}

// MonitorConfig governs position supervision.
type MonitorConfig struct {
	CheckInterval          time.Duration `json:"check_interval" yaml:"check_interval"`
	MaxConcurrentPositions int           `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
}

// RiskConfig supplies per-check thresholds and the score weighting.
// Weights should sum to 1; Validate enforces this loosely.
type RiskConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxPortfolioPct     float64 `json:"max_portfolio_pct" yaml:"max_portfolio_pct"`
	MaxConcentrationPct float64 `json:"max_concentration_pct" yaml:"max_concentration_pct"`
	MaxCorrelatedPct    float64 `json:"max_correlated_pct" yaml:"max_correlated_pct"`
	DailyLossLimit      float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	MinAccountBalance   float64 `json:"min_account_balance" yaml:"min_account_balance"`
	WeightPortfolio     float64 `json:"weight_portfolio" yaml:"weight_portfolio"`
	WeightConcentration float64 `json:"weight_concentration" yaml:"weight_concentration"`
	WeightCorrelation   float64 `json:"weight_correlation" yaml:"weight_correlation"`
	WeightDailyLoss     float64 `json:"weight_daily_loss" yaml:"weight_daily_loss"`
	WeightMarket        float64 `json:"weight_market" yaml:"weight_market"`
	WeightBalance       float64 `json:"weight_balance" yaml:"weight_balance"`
}

// AuthConfig contains the JWT signing secret.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
}

// DatabaseConfig contains the sqlite path.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Mode:   ModePaper,
		Lock: LockConfig{
			TimeoutMs:     30_000,
			SweepInterval: 5 * time.Minute,
			Retention:     24 * time.Hour,
		},
		Execution: ExecutionConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			CapDelay:   5 * time.Second,
		},
		Monitor: MonitorConfig{
			CheckInterval:          5 * time.Second,
			MaxConcurrentPositions: 10,
		},
		Risk: RiskConfig{
			ConfidenceThreshold: 0.6,
			MaxPortfolioPct:     10,
			MaxConcentrationPct: 20,
			MaxCorrelatedPct:    30,
			DailyLossLimit:      1_000,
			MinAccountBalance:   100,
			WeightPortfolio:     0.30,
			WeightConcentration: 0.20,
			WeightCorrelation:   0.20,
			WeightDailyLoss:     0.15,
			WeightMarket:        0.10,
			WeightBalance:       0.05,
		},
		Auth:     AuthConfig{JWTSecret: "coordinator-secret-key"},
		Database: DatabaseConfig{Path: "coordinator.db"},
	}
}

// Load reads the YAML config at path, overlaying it on the defaults.
// Environment variables PORT and DB_PATH override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModePaper, ModeLive)
	}
	if c.Lock.TimeoutMs <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %d", c.Lock.TimeoutMs)
	}
	if c.Execution.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.Execution.MaxRetries)
	}
	if c.Monitor.CheckInterval <= 0 {
		return fmt.Errorf("monitor check interval must be positive")
	}

	sum := c.Risk.WeightPortfolio + c.Risk.WeightConcentration + c.Risk.WeightCorrelation +
		c.Risk.WeightDailyLoss + c.Risk.WeightMarket + c.Risk.WeightBalance
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("risk weights must sum to 1, got %.2f", sum)
	}
	return nil
}
