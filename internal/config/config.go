// Package config provides configuration management functionality.
// All thresholds and mappings are validated at load time, before any scan
// runs; a scan never has to defend against a malformed configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/harvester-engine/harvester/internal/domain"
)

// RebuyStrategy selects how a harvested position is reacquired.
// Closed variant: validated at load time, never dispatched by string
// comparison at decision time.
type RebuyStrategy string

const (
	StrategyWait   RebuyStrategy = "wait"
	StrategySwap   RebuyStrategy = "swap"
	StrategyHybrid RebuyStrategy = "hybrid"
)

// RulesConfig holds the harvest candidate selection thresholds.
type RulesConfig struct {
	MinLossUSD           float64  // minimum unrealized loss in USD
	MinLossPct           float64  // minimum loss as percent of position value
	MinTaxBenefitUSD     float64  // minimum estimated tax benefit
	AssumedTaxRate       float64  // marginal rate used for benefit estimation
	PreferShortTerm      bool     // weight short-term losses higher when ranking
	ShortTermWeight      float64  // ranking multiplier applied when PreferShortTerm
	MinHoldingDays       int      // skip lots held fewer days than this
	MaxHarvestPctPerScan float64  // portfolio-wide cap per scan
	ExcludedTickers      []string // never harvested
}

// RebuyConfig holds the rebuy lifecycle parameters.
type RebuyConfig struct {
	Strategy           RebuyStrategy
	WaitDays           int     // days after sale before a wait-path rebuy is lawful
	SwapBackEnabled    bool    // sell substitute and return to original after the window
	SwapBackAfterDays  int     // days after sale before swap-back is scheduled
	HybridThresholdUSD float64 // hybrid picks swap at or above this position value
}

// Config holds application configuration
type Config struct {
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	// Alpaca broker collaborator
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string
	AlpacaDataURL   string

	Rules RulesConfig
	Rebuy RebuyConfig

	// SwapGroups maps a canonical ticker to its ordered, acceptable
	// substitutes. Members of a group are substantially identical for
	// wash-sale purposes.
	SwapGroups map[string][]string

	ShortTermCutoffDays int           // holding period boundary between short and long term
	WashWindowDays      int           // half-width of the wash-sale window (30 => 61-day window)
	ReconcileEpsilon    float64       // tolerated ledger-vs-broker quantity drift
	QuoteMaxAge         time.Duration // quotes older than this are stale
	ExecutionWindow     time.Duration // intent not-valid-after horizon
	MaxRetries          int           // order submission retries
	RetryDelay          time.Duration // delay between retries
	AnnualDeductibleCap float64       // net loss deductible against ordinary income per year
	QueueTTL            time.Duration // pending harvest queue items expire after this
	RetentionDays       int           // completed restriction cleanup horizon
	ScanSchedule        string        // cron spec for scheduled scans
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("HARVESTER_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".harvester")
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	swapGroups, err := parseSwapGroups(getEnv("SWAP_GROUPS", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		AlpacaAPIKey:    getEnv("ALPACA_API_KEY", ""),
		AlpacaAPISecret: getEnv("ALPACA_API_SECRET", ""),
		AlpacaBaseURL:   getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		AlpacaDataURL:   getEnv("ALPACA_DATA_URL", "https://data.alpaca.markets"),

		Rules: RulesConfig{
			MinLossUSD:           getEnvAsFloat("MIN_LOSS_USD", 100),
			MinLossPct:           getEnvAsFloat("MIN_LOSS_PCT", 3.0),
			MinTaxBenefitUSD:     getEnvAsFloat("MIN_TAX_BENEFIT_USD", 50),
			AssumedTaxRate:       getEnvAsFloat("ASSUMED_TAX_RATE", 0.35),
			PreferShortTerm:      getEnvAsBool("PREFER_SHORT_TERM", true),
			ShortTermWeight:      getEnvAsFloat("SHORT_TERM_WEIGHT", 1.5),
			MinHoldingDays:       getEnvAsInt("MIN_HOLDING_DAYS", 7),
			MaxHarvestPctPerScan: getEnvAsFloat("MAX_HARVEST_PCT_PER_SCAN", 10.0),
			ExcludedTickers:      parseTickerList(getEnv("EXCLUDED_TICKERS", "")),
		},

		Rebuy: RebuyConfig{
			Strategy:           RebuyStrategy(strings.ToLower(getEnv("REBUY_STRATEGY", "wait"))),
			WaitDays:           getEnvAsInt("REBUY_WAIT_DAYS", 31),
			SwapBackEnabled:    getEnvAsBool("SWAP_BACK_ENABLED", true),
			SwapBackAfterDays:  getEnvAsInt("SWAP_BACK_AFTER_DAYS", 31),
			HybridThresholdUSD: getEnvAsFloat("HYBRID_THRESHOLD_USD", 10000),
		},

		SwapGroups: swapGroups,

		ShortTermCutoffDays: getEnvAsInt("SHORT_TERM_CUTOFF_DAYS", 365),
		WashWindowDays:      getEnvAsInt("WASH_WINDOW_DAYS", 30),
		ReconcileEpsilon:    getEnvAsFloat("RECONCILE_EPSILON", 0.001),
		QuoteMaxAge:         getEnvAsDuration("QUOTE_MAX_AGE", 15*time.Minute),
		ExecutionWindow:     getEnvAsDuration("EXECUTION_WINDOW", 4*time.Hour),
		MaxRetries:          getEnvAsInt("MAX_RETRIES", 3),
		RetryDelay:          getEnvAsDuration("RETRY_DELAY", 5*time.Second),
		AnnualDeductibleCap: getEnvAsFloat("ANNUAL_DEDUCTIBLE_CAP", 3000),
		QueueTTL:            getEnvAsDuration("QUEUE_TTL", 24*time.Hour),
		RetentionDays:       getEnvAsInt("RETENTION_DAYS", 90),
		ScanSchedule:        getEnv("SCAN_SCHEDULE", "0 30 10 * * MON-FRI"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks thresholds and mappings. Returns ErrConfigInvalid wrapped
// with the specific problem so startup fails before any scan runs.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", domain.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.Rules.AssumedTaxRate <= 0 || c.Rules.AssumedTaxRate >= 1 {
		return fail("assumed tax rate must be in (0, 1), got %v", c.Rules.AssumedTaxRate)
	}
	if c.Rules.MinLossPct < 0 || c.Rules.MinLossPct > 100 {
		return fail("min loss pct must be in [0, 100], got %v", c.Rules.MinLossPct)
	}
	if c.Rules.MaxHarvestPctPerScan <= 0 || c.Rules.MaxHarvestPctPerScan > 100 {
		return fail("max harvest pct per scan must be in (0, 100], got %v", c.Rules.MaxHarvestPctPerScan)
	}
	if c.Rules.MinLossUSD < 0 || c.Rules.MinTaxBenefitUSD < 0 {
		return fail("loss and tax benefit thresholds must be non-negative")
	}
	if c.Rules.PreferShortTerm && c.Rules.ShortTermWeight < 1 {
		return fail("short term weight must be >= 1, got %v", c.Rules.ShortTermWeight)
	}

	switch c.Rebuy.Strategy {
	case StrategyWait, StrategySwap, StrategyHybrid:
	default:
		return fail("unknown rebuy strategy %q", c.Rebuy.Strategy)
	}
	if c.Rebuy.WaitDays <= c.WashWindowDays {
		return fail("rebuy wait days (%d) must exceed the wash window (%d)", c.Rebuy.WaitDays, c.WashWindowDays)
	}
	if c.Rebuy.SwapBackEnabled && c.Rebuy.SwapBackAfterDays <= c.WashWindowDays {
		return fail("swap back after days (%d) must exceed the wash window (%d)", c.Rebuy.SwapBackAfterDays, c.WashWindowDays)
	}

	if c.WashWindowDays <= 0 {
		return fail("wash window days must be positive")
	}
	if c.ShortTermCutoffDays <= 0 {
		return fail("short term cutoff days must be positive")
	}
	if c.MaxRetries < 0 {
		return fail("max retries must be non-negative")
	}
	if c.AnnualDeductibleCap < 0 {
		return fail("annual deductible cap must be non-negative")
	}

	// A ticker belongs to at most one swap group, and a group's substitutes
	// must not include its own canonical ticker. The tracker's group-id
	// indirection depends on both.
	seen := map[string]string{}
	for canonical, subs := range c.SwapGroups {
		if len(subs) == 0 {
			return fail("swap group %s has no substitutes", canonical)
		}
		members := append([]string{canonical}, subs...)
		for _, m := range members {
			if m == canonical && seen[m] == canonical {
				return fail("swap group %s lists its canonical ticker as a substitute", canonical)
			}
			if owner, ok := seen[m]; ok && owner != canonical {
				return fail("ticker %s appears in swap groups %s and %s", m, owner, canonical)
			}
			seen[m] = canonical
		}
	}

	return nil
}

// parseSwapGroups parses "VTI:ITOT|SCHB;VOO:SPLG|IVV" into the group table.
func parseSwapGroups(raw string) (map[string][]string, error) {
	groups := map[string][]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return groups, nil
	}

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed swap group entry %q", entry)
		}
		canonical := strings.ToUpper(strings.TrimSpace(parts[0]))
		if canonical == "" {
			return nil, fmt.Errorf("swap group entry %q has empty canonical ticker", entry)
		}
		var subs []string
		for _, s := range strings.Split(parts[1], "|") {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				subs = append(subs, s)
			}
		}
		groups[canonical] = subs
	}

	return groups, nil
}

func parseTickerList(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
