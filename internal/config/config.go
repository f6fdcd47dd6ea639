// Package config loads engine configuration from defaults, an optional YAML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/savings_layer/pkg/logger"
)

// EnvConfigPath names the variable holding the config file location.
const EnvConfigPath = "SAVINGS_CONFIG"

// DefaultPath is used when EnvConfigPath is unset.
var DefaultPath = filepath.Join("config", "engine.yaml")

// minCompoundPeriod matches the shortest period the vault accepts.
const minCompoundPeriod = time.Minute

// Config is the complete engine configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Admin    AdminConfig          `yaml:"admin"`
	Schedule ScheduleConfig       `yaml:"schedule"`
	Keeper   KeeperConfig         `yaml:"keeper"`
	Yield    YieldConfig          `yaml:"yield"`
	Vault    VaultConfig          `yaml:"vault"`
}

// ServerConfig controls the operations listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SAVINGS_HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SAVINGS_SHUTDOWN_TIMEOUT"`
	// Per-client request rate; zero disables throttling.
	RateLimit float64 `yaml:"rate_limit" env:"SAVINGS_HTTP_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"SAVINGS_HTTP_RATE_BURST"`
}

// DatabaseConfig selects the persistence backend. An empty DSN keeps state
// in memory.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	Migrate      bool   `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// AdminConfig seeds the role table and the supported asset list.
type AdminConfig struct {
	Identity        string   `yaml:"identity" env:"SAVINGS_ADMIN"`
	SupportedAssets []string `yaml:"supported_assets"`
	Governance      []string `yaml:"governance"`
	Emergency       []string `yaml:"emergency"`
	Keepers         []string `yaml:"keepers"`
}

// ScheduleConfig tunes the recurring plan engine.
type ScheduleConfig struct {
	CustodyAccount string `yaml:"custody_account" env:"SCHEDULE_CUSTODY_ACCOUNT"`
	MaxPenaltyBps  int64  `yaml:"max_penalty_bps" env:"SCHEDULE_MAX_PENALTY_BPS"`
}

// KeeperConfig drives automatic plan execution.
type KeeperConfig struct {
	Enabled       bool    `yaml:"enabled" env:"KEEPER_ENABLED"`
	Identity      string  `yaml:"identity" env:"KEEPER_IDENTITY"`
	Schedule      string  `yaml:"schedule" env:"KEEPER_SCHEDULE"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"KEEPER_RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" env:"KEEPER_BURST"`
}

// YieldConfig tunes the yield router.
type YieldConfig struct {
	CustodyAccount string `yaml:"custody_account" env:"YIELD_CUSTODY_ACCOUNT"`
}

// VaultConfig tunes the lock vault and its governance override.
type VaultConfig struct {
	CustodyAccount     string         `yaml:"custody_account" env:"VAULT_CUSTODY_ACCOUNT"`
	ReserveAccount     string         `yaml:"reserve_account" env:"VAULT_RESERVE_ACCOUNT"`
	RequiredSignatures int            `yaml:"required_signatures" env:"VAULT_REQUIRED_SIGNATURES"`
	GovernanceDelay    time.Duration  `yaml:"governance_delay" env:"VAULT_GOVERNANCE_DELAY"`
	Interest           InterestConfig `yaml:"interest"`
}

// InterestConfig selects the vault interest policy.
type InterestConfig struct {
	Policy         string        `yaml:"policy" env:"VAULT_INTEREST_POLICY"` // none, simple or compound
	RateBps        int64         `yaml:"rate_bps" env:"VAULT_INTEREST_RATE_BPS"`
	CompoundPeriod time.Duration `yaml:"compound_period" env:"VAULT_INTEREST_COMPOUND_PERIOD"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Database: DatabaseConfig{MaxOpenConns: 10},
		Logging: logger.LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "savingsd",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Admin: AdminConfig{Identity: "admin"},
		Schedule: ScheduleConfig{
			CustodyAccount: "schedule-custody",
			MaxPenaltyBps:  1000,
		},
		Keeper: KeeperConfig{
			Identity:      "keeper",
			Schedule:      "@every 1m",
			RatePerSecond: 10,
			Burst:         5,
		},
		Yield: YieldConfig{CustodyAccount: "yield-custody"},
		Vault: VaultConfig{
			CustodyAccount:     "vault-custody",
			ReserveAccount:     "vault-reserve",
			RequiredSignatures: 3,
			GovernanceDelay:    48 * time.Hour,
			Interest: InterestConfig{
				Policy:         "none",
				CompoundPeriod: 24 * time.Hour,
			},
		},
	}
}

// Load resolves the configuration. A missing file or .env is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	overrideList(&cfg.Admin.SupportedAssets, "SAVINGS_SUPPORTED_ASSETS")
	overrideList(&cfg.Admin.Governance, "SAVINGS_GOVERNANCE_SIGNERS")
	overrideList(&cfg.Admin.Emergency, "SAVINGS_EMERGENCY_SIGNERS")
	overrideList(&cfg.Admin.Keepers, "SAVINGS_KEEPERS")
	return nil
}

func overrideList(dst *[]string, key string) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	*dst = parseCSV(raw)
}

func parseCSV(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, dup := seen[part]; dup {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Admin.Identity) == "" {
		return fmt.Errorf("admin.identity is required")
	}
	if c.Schedule.MaxPenaltyBps < 0 || c.Schedule.MaxPenaltyBps > 10000 {
		return fmt.Errorf("schedule.max_penalty_bps must be within [0, 10000], got %d", c.Schedule.MaxPenaltyBps)
	}
	accounts := map[string]string{
		"schedule.custody_account": c.Schedule.CustodyAccount,
		"yield.custody_account":    c.Yield.CustodyAccount,
		"vault.custody_account":    c.Vault.CustodyAccount,
		"vault.reserve_account":    c.Vault.ReserveAccount,
	}
	seen := make(map[string]string, len(accounts))
	for name, account := range accounts {
		if strings.TrimSpace(account) == "" {
			return fmt.Errorf("%s is required", name)
		}
		if other, dup := seen[account]; dup {
			return fmt.Errorf("%s and %s must differ", other, name)
		}
		seen[account] = name
	}
	if c.Vault.RequiredSignatures < 1 {
		return fmt.Errorf("vault.required_signatures must be at least 1")
	}
	if c.Vault.GovernanceDelay <= 0 {
		return fmt.Errorf("vault.governance_delay must be positive")
	}
	policy := strings.ToLower(strings.TrimSpace(c.Vault.Interest.Policy))
	switch policy {
	case "", "none":
	case "simple", "compound":
		if c.Vault.Interest.RateBps < 0 {
			return fmt.Errorf("vault.interest.rate_bps cannot be negative")
		}
		if policy == "compound" && c.Vault.Interest.CompoundPeriod < minCompoundPeriod {
			return fmt.Errorf("vault.interest.compound_period must be at least %s", minCompoundPeriod)
		}
	default:
		return fmt.Errorf("unknown vault.interest.policy %q", c.Vault.Interest.Policy)
	}
	if c.Keeper.Enabled {
		if strings.TrimSpace(c.Keeper.Identity) == "" {
			return fmt.Errorf("keeper.identity is required when the keeper is enabled")
		}
		if c.Keeper.RatePerSecond <= 0 || c.Keeper.Burst < 1 {
			return fmt.Errorf("keeper rate_per_second and burst must be positive")
		}
	}
	return nil
}
