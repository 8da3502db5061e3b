// Package config loads proxy configuration from the environment, with
// optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FamilyLimit is the upstream-advertised ceiling for one model family.
type FamilyLimit struct {
	InputTokensPerMinute int
	RequestsPerMinute    int
}

// FamilyPattern maps a model-name substring to a family label. Ordered;
// first match wins.
type FamilyPattern struct {
	Substring string
	Family    string
}

// DowngradeRule replaces models matching a substring with a safer
// fallback model before the request is admitted or forwarded.
type DowngradeRule struct {
	Substring string
	Fallback  string
}

// Config is the complete proxy configuration.
type Config struct {
	// ListenAddr is the inbound HTTP listen address.
	ListenAddr string

	// UpstreamURL is the full messages endpoint URL. Required.
	UpstreamURL string

	// UpstreamCredential is the proxy's own API credential. Required.
	// Inbound authorization and x-api-key headers are ignored.
	UpstreamCredential string

	// SafetyFactor is the usable fraction of each upstream ceiling.
	SafetyFactor float64

	// MaxRetries bounds retries after the first upstream attempt.
	MaxRetries int

	// RetryBaseDelay and RetryMaxDelay shape the backoff curve.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// RetryJitterFraction in [0, 1].
	RetryJitterFraction float64

	// MaxConcurrent bounds in-flight upstream calls.
	MaxConcurrent int

	// DailyTokenBudgetPerTenant caps each tenant's daily input tokens.
	DailyTokenBudgetPerTenant int

	// MaxRequestWait is how long a request may wait for admission.
	MaxRequestWait time.Duration

	// ModelLimits holds per-family ceilings, keyed by family label.
	ModelLimits map[string]FamilyLimit

	// FamilyPatterns resolve model names to families.
	FamilyPatterns []FamilyPattern

	// Downgrades lists forbidden-model substrings and their fallbacks.
	Downgrades []DowngradeRule

	// RedisURL, when set, enables the Redis ledger mirror.
	RedisURL string

	// LogLevel is debug, info, warn, or error.
	LogLevel string

	// TraceConsole enables the stdout span exporter.
	TraceConsole bool
}

// Default returns the configuration used when no environment overrides
// are present. UpstreamURL and UpstreamCredential have no defaults.
func Default() *Config {
	return &Config{
		ListenAddr:                ":8787",
		SafetyFactor:              0.75,
		MaxRetries:                3,
		RetryBaseDelay:            time.Second,
		RetryMaxDelay:             30 * time.Second,
		RetryJitterFraction:       0.25,
		MaxConcurrent:             5,
		DailyTokenBudgetPerTenant: 500000,
		MaxRequestWait:            60 * time.Second,
		ModelLimits: map[string]FamilyLimit{
			"opus-4":   {InputTokensPerMinute: 30000, RequestsPerMinute: 30},
			"sonnet-4": {InputTokensPerMinute: 80000, RequestsPerMinute: 60},
			"default":  {InputTokensPerMinute: 30000, RequestsPerMinute: 30},
		},
		FamilyPatterns: []FamilyPattern{
			{Substring: "opus", Family: "opus-4"},
			{Substring: "sonnet", Family: "sonnet-4"},
			{Substring: "haiku", Family: "sonnet-4"},
		},
		LogLevel: "info",
	}
}

// Load builds a Config from the environment. A .env file in the working
// directory is honored when present.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := Default()

	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.UpstreamURL = os.Getenv("UPSTREAM_URL")
	cfg.UpstreamCredential = os.Getenv("UPSTREAM_CREDENTIAL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.TraceConsole = envBool("TRACE_CONSOLE", cfg.TraceConsole)

	var err error
	if cfg.SafetyFactor, err = envFloat("SAFETY_FACTOR", cfg.SafetyFactor); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent, err = envInt("MAX_CONCURRENT", cfg.MaxConcurrent); err != nil {
		return nil, err
	}
	if cfg.DailyTokenBudgetPerTenant, err = envInt("DAILY_TOKEN_BUDGET_PER_TENANT", cfg.DailyTokenBudgetPerTenant); err != nil {
		return nil, err
	}
	if cfg.MaxRequestWait, err = envMillis("MAX_REQUEST_WAIT_MILLIS", cfg.MaxRequestWait); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = envMillis("RETRY_BASE_DELAY_MILLIS", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = envMillis("RETRY_MAX_DELAY_MILLIS", cfg.RetryMaxDelay); err != nil {
		return nil, err
	}
	if cfg.RetryJitterFraction, err = envFloat("RETRY_JITTER_FRACTION", cfg.RetryJitterFraction); err != nil {
		return nil, err
	}

	if raw := os.Getenv("MODEL_LIMITS"); raw != "" {
		limits, err := ParseModelLimits(raw)
		if err != nil {
			return nil, err
		}
		for family, limit := range limits {
			cfg.ModelLimits[family] = limit
		}
	}

	if raw := os.Getenv("FORBIDDEN_MODELS"); raw != "" {
		rules, err := ParseDowngrades(raw)
		if err != nil {
			return nil, err
		}
		cfg.Downgrades = rules
	}

	if raw := os.Getenv("FAMILY_PATTERNS"); raw != "" {
		patterns, err := ParseFamilyPatterns(raw)
		if err != nil {
			return nil, err
		}
		cfg.FamilyPatterns = patterns
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if c.UpstreamCredential == "" {
		return fmt.Errorf("UPSTREAM_CREDENTIAL is required")
	}
	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		return fmt.Errorf("SAFETY_FACTOR must be in (0, 1], got %v", c.SafetyFactor)
	}
	if c.RetryJitterFraction < 0 || c.RetryJitterFraction > 1 {
		return fmt.Errorf("RETRY_JITTER_FRACTION must be in [0, 1], got %v", c.RetryJitterFraction)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be at least 1, got %d", c.MaxConcurrent)
	}
	if _, ok := c.ModelLimits["default"]; !ok {
		return fmt.Errorf("MODEL_LIMITS must include a default family")
	}
	return nil
}

// ParseModelLimits parses "family:inputTPM:RPM[,family:...]".
func ParseModelLimits(raw string) (map[string]FamilyLimit, error) {
	out := make(map[string]FamilyLimit)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("MODEL_LIMITS entry %q: want family:inputTPM:RPM", entry)
		}
		tpm, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("MODEL_LIMITS entry %q: bad input TPM: %w", entry, err)
		}
		rpm, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("MODEL_LIMITS entry %q: bad RPM: %w", entry, err)
		}
		out[parts[0]] = FamilyLimit{InputTokensPerMinute: tpm, RequestsPerMinute: rpm}
	}
	return out, nil
}

// ParseDowngrades parses "pattern->fallbackModel[,pattern->fallback]".
func ParseDowngrades(raw string) ([]DowngradeRule, error) {
	var out []DowngradeRule
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "->", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("FORBIDDEN_MODELS entry %q: want pattern->fallbackModel", entry)
		}
		out = append(out, DowngradeRule{
			Substring: strings.ToLower(strings.TrimSpace(parts[0])),
			Fallback:  strings.TrimSpace(parts[1]),
		})
	}
	return out, nil
}

// ParseFamilyPatterns parses "substring:family[,substring:family]".
func ParseFamilyPatterns(raw string) ([]FamilyPattern, error) {
	var out []FamilyPattern
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("FAMILY_PATTERNS entry %q: want substring:family", entry)
		}
		out = append(out, FamilyPattern{
			Substring: strings.ToLower(strings.TrimSpace(parts[0])),
			Family:    strings.TrimSpace(parts[1]),
		})
	}
	return out, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envMillis(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
