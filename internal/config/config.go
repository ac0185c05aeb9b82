// Package config loads the treasury engine's YAML configuration, applies
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal is a decimal.Decimal that decodes from a YAML scalar.
type Decimal struct {
	decimal.Decimal
}

// Dec wraps d.
func Dec(d decimal.Decimal) Decimal { return Decimal{Decimal: d} }

// UnmarshalYAML parses the scalar text exactly, without float rounding.
func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a decimal scalar", node.Line)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Decimal = v
	return nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Venue     VenueConfig     `yaml:"venue"`
	Leverage  LeverageConfig  `yaml:"leverage"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`
	Rewards   RewardsConfig   `yaml:"rewards"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Assets    []AssetConfig   `yaml:"assets"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port                  string `yaml:"port"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	ShutdownGraceSeconds  int    `yaml:"shutdown_grace_seconds"`
	// RateLimitPerMinute throttles API requests per caller; zero disables.
	RateLimitPerMinute float64 `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// LoggingConfig mirrors logger.Options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StoreConfig selects the persistence backend. RedisURL, when set, puts a
// read-through cache in front of the postgres store.
type StoreConfig struct {
	Driver          string `yaml:"driver"`
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	SQLitePath      string `yaml:"sqlite_path"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns the cache TTL as a duration.
func (s StoreConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// Venue kinds.
const (
	VenuePool   = "pool"
	VenueShares = "shares"
)

// VenueConfig selects the simulated lending venue.
type VenueConfig struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	// Precision is the share venue's reporting precision in decimal places.
	Precision int32 `yaml:"precision"`
}

// LeverageConfig configures the liquidation gate and flash liquidity.
type LeverageConfig struct {
	LiquidationWarningThreshold Decimal `yaml:"liquidation_warning_threshold"`
	// LiquidationCheck defaults to true when omitted.
	LiquidationCheck *bool   `yaml:"liquidation_check"`
	FlashFee         Decimal `yaml:"flash_fee"`
}

// CheckEnabled reports whether the liquidation check is on.
func (l LeverageConfig) CheckEnabled() bool {
	return l.LiquidationCheck == nil || *l.LiquidationCheck
}

// CooldownConfig configures the reward cooldown timer.
type CooldownConfig struct {
	CooldownSeconds       int64 `yaml:"cooldown_seconds"`
	UnstakeWindowSeconds  int64 `yaml:"unstake_window_seconds"`
	RetriggerWhileCooling bool  `yaml:"retrigger_while_cooling"`
}

// Period returns the cooldown period.
func (c CooldownConfig) Period() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// Window returns the unstake window.
func (c CooldownConfig) Window() time.Duration {
	return time.Duration(c.UnstakeWindowSeconds) * time.Second
}

// RewardsConfig names the staked reward token and the asset it redeems into.
type RewardsConfig struct {
	Token       string `yaml:"token"`
	RedeemAsset string `yaml:"redeem_asset"`
}

// AllocatorConfig seeds the in-process allocation layer.
type AllocatorConfig struct {
	ApprovedCallers []string `yaml:"approved_callers"`
}

// InterestConfig is the venue's kinked rate curve for one asset.
type InterestConfig struct {
	BaseRate Decimal `yaml:"base_rate"`
	Slope1   Decimal `yaml:"slope1"`
	Slope2   Decimal `yaml:"slope2"`
	Kink     Decimal `yaml:"kink"`
}

// AssetConfig describes one managed asset.
type AssetConfig struct {
	Symbol           string  `yaml:"symbol"`
	CollateralFactor Decimal `yaml:"collateral_factor"`
	// Register adds the asset to the engine at startup when the store has
	// no record of it.
	Register       bool           `yaml:"register"`
	VenueMaxLTV    Decimal        `yaml:"venue_max_ltv"`
	VenueLiquidity Decimal        `yaml:"venue_liquidity"`
	ReserveFactor  Decimal        `yaml:"reserve_factor"`
	RewardRate     Decimal        `yaml:"reward_rate"`
	FlashCapacity  Decimal        `yaml:"flash_capacity"`
	Reserve        Decimal        `yaml:"reserve"`
	BorrowCap      Decimal        `yaml:"borrow_cap"`
	Interest       InterestConfig `yaml:"interest"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

// LoadEnv loads .env files into the process environment. Missing files are
// reported but are not fatal to callers that only warn.
func LoadEnv(files ...string) error {
	return godotenv.Load(files...)
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
		if c.Store.Driver == "" {
			c.Store.Driver = DriverPostgres
		}
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
		if c.Store.Driver == "" {
			c.Store.Driver = DriverSQLite
		}
	}
	if v := getenv("CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Store.CacheTTLSeconds = n
		}
	}
}

func (c *Config) normalize() {
	c.Server.Port = strings.TrimPrefix(strings.TrimSpace(c.Server.Port), ":")
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		c.Server.RequestTimeoutSeconds = 30
	}
	if c.Server.ShutdownGraceSeconds <= 0 {
		c.Server.ShutdownGraceSeconds = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 10
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 28
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	c.Store.DatabaseURL = strings.TrimSpace(c.Store.DatabaseURL)
	c.Store.RedisURL = strings.TrimSpace(c.Store.RedisURL)
	c.Store.SQLitePath = strings.TrimSpace(c.Store.SQLitePath)
	if c.Store.CacheTTLSeconds <= 0 {
		c.Store.CacheTTLSeconds = 30
	}

	c.Venue.Kind = strings.ToLower(strings.TrimSpace(c.Venue.Kind))
	if c.Venue.Kind == "" {
		c.Venue.Kind = VenuePool
	}
	c.Venue.Name = strings.TrimSpace(c.Venue.Name)
	if c.Venue.Name == "" {
		c.Venue.Name = c.Venue.Kind
	}
	if c.Venue.Precision <= 0 {
		c.Venue.Precision = 18
	}

	if c.Leverage.LiquidationWarningThreshold.IsZero() {
		c.Leverage.LiquidationWarningThreshold = Dec(decimal.NewFromFloat(0.8))
	}

	if c.Cooldown.CooldownSeconds == 0 {
		c.Cooldown.CooldownSeconds = 864000
	}
	if c.Cooldown.UnstakeWindowSeconds == 0 {
		c.Cooldown.UnstakeWindowSeconds = 172800
	}

	c.Rewards.Token = strings.TrimSpace(c.Rewards.Token)
	if c.Rewards.Token == "" {
		c.Rewards.Token = "stkAAVE"
	}
	c.Rewards.RedeemAsset = strings.TrimSpace(c.Rewards.RedeemAsset)
	if c.Rewards.RedeemAsset == "" {
		c.Rewards.RedeemAsset = "AAVE"
	}

	callers := c.Allocator.ApprovedCallers[:0]
	for _, caller := range c.Allocator.ApprovedCallers {
		if caller = strings.TrimSpace(caller); caller != "" {
			callers = append(callers, caller)
		}
	}
	c.Allocator.ApprovedCallers = callers

	one := decimal.NewFromInt(1)
	for i := range c.Assets {
		a := &c.Assets[i]
		a.Symbol = strings.TrimSpace(a.Symbol)
		if a.VenueMaxLTV.IsZero() {
			a.VenueMaxLTV = Dec(decimal.NewFromFloat(0.8))
		}
		if a.Interest.Kink.IsZero() {
			a.Interest.Kink = Dec(decimal.NewFromFloat(0.8))
		}
		if a.Interest.Kink.GreaterThan(one) {
			a.Interest.Kink = Dec(one)
		}
	}
}

func (c *Config) validate() error {
	var errs []error

	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_per_minute %v is negative", c.Server.RateLimitPerMinute))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q not one of memory, postgres, sqlite", c.Store.Driver))
	}
	if c.Store.RedisURL != "" && c.Store.Driver != DriverPostgres {
		errs = append(errs, errors.New("store.redis_url requires the postgres driver"))
	}

	if c.Venue.Kind != VenuePool && c.Venue.Kind != VenueShares {
		errs = append(errs, fmt.Errorf("venue.kind %q not one of pool, shares", c.Venue.Kind))
	}

	one := decimal.NewFromInt(1)
	t := c.Leverage.LiquidationWarningThreshold
	if !t.IsPositive() || t.GreaterThan(one) {
		errs = append(errs, fmt.Errorf("leverage.liquidation_warning_threshold %s not in (0, 1]", t))
	}
	if c.Leverage.FlashFee.IsNegative() {
		errs = append(errs, fmt.Errorf("leverage.flash_fee %s is negative", c.Leverage.FlashFee))
	}

	if c.Cooldown.CooldownSeconds < 0 || c.Cooldown.UnstakeWindowSeconds < 0 {
		errs = append(errs, errors.New("cooldown durations must not be negative"))
	}

	if c.Rewards.Token == c.Rewards.RedeemAsset {
		errs = append(errs, fmt.Errorf("rewards.token and rewards.redeem_asset are both %q", c.Rewards.Token))
	}

	seen := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		if a.Symbol == "" {
			errs = append(errs, fmt.Errorf("assets[%d].symbol is required", i))
			continue
		}
		if seen[a.Symbol] {
			errs = append(errs, fmt.Errorf("assets[%d]: duplicate symbol %q", i, a.Symbol))
		}
		seen[a.Symbol] = true
		if a.Symbol == c.Rewards.Token || a.Symbol == c.Rewards.RedeemAsset {
			errs = append(errs, fmt.Errorf("assets[%d]: %q is a reward asset", i, a.Symbol))
		}

		cf := a.CollateralFactor
		if !cf.IsPositive() || cf.GreaterThanOrEqual(one) {
			errs = append(errs, fmt.Errorf("assets[%d].collateral_factor %s not in (0, 1)", i, cf))
		}
		if a.VenueMaxLTV.LessThan(cf.Decimal) || a.VenueMaxLTV.GreaterThanOrEqual(one) {
			errs = append(errs, fmt.Errorf("assets[%d].venue_max_ltv %s must lie in [collateral_factor, 1)", i, a.VenueMaxLTV))
		}
		for name, v := range map[string]Decimal{
			"venue_liquidity": a.VenueLiquidity,
			"reserve_factor":  a.ReserveFactor,
			"reward_rate":     a.RewardRate,
			"flash_capacity":  a.FlashCapacity,
			"reserve":         a.Reserve,
			"borrow_cap":      a.BorrowCap,
		} {
			if v.IsNegative() {
				errs = append(errs, fmt.Errorf("assets[%d].%s %s is negative", i, name, v))
			}
		}
		if a.ReserveFactor.GreaterThanOrEqual(one) {
			errs = append(errs, fmt.Errorf("assets[%d].reserve_factor %s not below 1", i, a.ReserveFactor))
		}
	}

	return errors.Join(errs...)
}
