package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StrategyBudget is a per-strategy daily risk allocation.
type StrategyBudget struct {
	MaxPositions int     `yaml:"max_positions"`
	MaxRiskPct   float64 `yaml:"max_risk_pct"`
	EntryLockSec int     `yaml:"entry_lock_sec"`
}

// RiskLimits holds the pre-trade risk thresholds consumed by the risk
// engine and the ledger's drift policy.
type RiskLimits struct {
	DailyLossHaltPct    float64 `yaml:"daily_loss_halt_pct"`
	MaxGrossExposurePct float64 `yaml:"max_gross_exposure_pct"`
	MaxPositionPct      float64 `yaml:"max_position_pct"`
	MaxPositionsCount   int     `yaml:"max_positions_count"`
	MaxSectorPct        float64 `yaml:"max_sector_pct"`
	MinOrderQty         float64 `yaml:"min_order_qty"`
	VICooldownSec       int     `yaml:"vi_cooldown_sec"`
	DriftTolerance      float64 `yaml:"drift_tolerance"`
	DriftAutoUnfreeze   bool    `yaml:"drift_auto_unfreeze"`
	DriftCooldownSec    int     `yaml:"drift_cooldown_sec"`
	EntryLockTTLSec     int     `yaml:"entry_lock_ttl_sec"`
}

// Broker configures the shared call budget and the mock broker.
type Broker struct {
	CallsPerSec    float64 `yaml:"calls_per_sec"`
	Burst          int     `yaml:"burst"`
	MaxSubmitTries int     `yaml:"max_submit_tries"`
}

// Recon configures the reconciliation loop.
type Recon struct {
	IntervalSec            int `yaml:"interval_sec"`
	FailuresBeforeSafeMode int `yaml:"failures_before_safe_mode"`
}

// Config is the full service configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Risk            RiskLimits                `yaml:"risk"`
	StrategyBudgets map[string]StrategyBudget `yaml:"strategy_budgets"`
	Sectors         map[string]string         `yaml:"sectors"`
	Broker          Broker                    `yaml:"broker"`
	Recon           Recon                     `yaml:"recon"`
	OrderTimeoutSec int                       `yaml:"order_timeout_check_sec"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Database.Path = "oms.db"
	cfg.Auth.JWTSecret = "oms-secret-key"
	cfg.Risk = RiskLimits{
		DailyLossHaltPct:    0.03,
		MaxGrossExposurePct: 0.80,
		MaxPositionPct:      0.15,
		MaxPositionsCount:   10,
		MaxSectorPct:        0.30,
		MinOrderQty:         1,
		VICooldownSec:       600,
		DriftTolerance:      0,
		DriftAutoUnfreeze:   true,
		DriftCooldownSec:    300,
		EntryLockTTLSec:     90,
	}
	cfg.StrategyBudgets = map[string]StrategyBudget{
		"MOMENTUM": {MaxPositions: 4, MaxRiskPct: 0.015, EntryLockSec: 90},
		"MEANREV":  {MaxPositions: 3, MaxRiskPct: 0.015, EntryLockSec: 180},
		"SWING":    {MaxPositions: 5, MaxRiskPct: 0.08, EntryLockSec: 300},
		"AI":       {MaxPositions: 8, MaxRiskPct: 0.10, EntryLockSec: 60},
	}
	cfg.Broker = Broker{CallsPerSec: 5, Burst: 10, MaxSubmitTries: 3}
	cfg.Recon = Recon{IntervalSec: 5, FailuresBeforeSafeMode: 5}
	cfg.OrderTimeoutSec = 1
	return cfg
}

// Load reads configuration from path (or OMS_CONFIG_PATH when path is
// empty), overlaying the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("OMS_CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Environment overrides
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

// EntryLockTTL returns the entry-lock duration for a strategy, falling back
// to the global default when the strategy has no budget entry.
func (c *Config) EntryLockTTL(strategyID string) time.Duration {
	if b, ok := c.StrategyBudgets[strategyID]; ok && b.EntryLockSec > 0 {
		return time.Duration(b.EntryLockSec) * time.Second
	}
	return time.Duration(c.Risk.EntryLockTTLSec) * time.Second
}
