package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Prompt     PromptConfig     `yaml:"prompt" mapstructure:"prompt"`
	Narrative  NarrativeConfig  `yaml:"narrative" mapstructure:"narrative"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LLMConfig configures the model endpoint.
type LLMConfig struct {
	Provider    string        `yaml:"provider" mapstructure:"provider"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	Model       string        `yaml:"model" mapstructure:"model"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Circuit     CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// CircuitConfig configures the endpoint circuit breaker. A zero threshold
// disables it.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RetryConfig configures retries of transient model failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// RateLimitConfig caps model requests per window across all workers.
// Zero requests disables limiting.
type RateLimitConfig struct {
	Requests   int `yaml:"requests" mapstructure:"requests"`
	WindowSecs int `yaml:"window_secs" mapstructure:"window_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Size          int `yaml:"size" mapstructure:"size"`
	MaxItems      int `yaml:"max_items" mapstructure:"max_items"`
	Concurrency   int `yaml:"concurrency" mapstructure:"concurrency"`
	MinTextLength int `yaml:"min_text_length" mapstructure:"min_text_length"`
}

// ReconcileConfig holds the reconciliation constants. None of them has a
// default; Validate rejects a config that leaves any unset.
type ReconcileConfig struct {
	BaseFloor         *float64           `yaml:"base_floor" mapstructure:"base_floor"`
	SpreadWeight      *float64           `yaml:"spread_weight" mapstructure:"spread_weight"`
	ConflictThreshold *float64           `yaml:"conflict_threshold" mapstructure:"conflict_threshold"`
	SourceWeights     map[string]float64 `yaml:"source_weights" mapstructure:"source_weights"`
}

// PromptConfig points at the prompt definition file.
type PromptConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// NarrativeConfig maps input columns onto narratives.
type NarrativeConfig struct {
	CaseColumn      string `yaml:"case_column" mapstructure:"case_column"`
	PrimaryColumn   string `yaml:"primary_column" mapstructure:"primary_column"`
	SecondaryColumn string `yaml:"secondary_column" mapstructure:"secondary_column"`
	TypeColumn      string `yaml:"type_column" mapstructure:"type_column"`
	TextColumn      string `yaml:"text_column" mapstructure:"text_column"`
	Sheet           string `yaml:"sheet" mapstructure:"sheet"`
}

// PricingConfig holds per-model token pricing (USD per million tokens).
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds one model's token pricing.
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures post-run alerting. Zero thresholds disable
// the corresponding check; an empty webhook URL disables delivery.
type MonitoringConfig struct {
	WebhookURL                string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	ErrorRateThreshold        float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	ParseFailureRateThreshold float64 `yaml:"parse_failure_rate_threshold" mapstructure:"parse_failure_rate_threshold"`
	CostThresholdUSD          float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml in the working directory and
// IPV_* environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. Unlike the default
// config.yaml, an explicit file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	// Environment
	v.SetEnvPrefix("IPV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults (reconcile.* has none)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "ipv.db")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.timeout_secs", 60)
	v.SetDefault("llm.circuit.failure_threshold", 0)
	v.SetDefault("llm.circuit.reset_timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("rate_limit.requests", 0)
	v.SetDefault("rate_limit.window_secs", 60)
	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.max_items", 0)
	v.SetDefault("batch.concurrency", 1)
	v.SetDefault("batch.min_text_length", 10)
	v.SetDefault("prompt.file", "prompt.yaml")
	v.SetDefault("narrative.case_column", "IncidentID")
	v.SetDefault("narrative.primary_column", "NarrativeLE")
	v.SetDefault("narrative.secondary_column", "NarrativeCME")
	v.SetDefault("narrative.type_column", "narrative_type")
	v.SetDefault("narrative.text_column", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.error_rate_threshold", 0.10)
	v.SetDefault("monitoring.parse_failure_rate_threshold", 0.20)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)

	for _, key := range []string{
		"reconcile.base_floor",
		"reconcile.spread_weight",
		"reconcile.conflict_threshold",
		"reconcile.source_weights.primary",
		"reconcile.source_weights.secondary",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given mode: "run" needs the
// store, the model endpoint and every reconciliation constant; "verdicts"
// needs the store and the reconciliation constants; "serve" additionally
// needs a port; "migrate" and "prompt" need only the store.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "run":
		errs = append(errs, c.Store.problems()...)
		errs = append(errs, c.LLM.problems()...)
		errs = append(errs, c.Batch.problems()...)
		if c.RateLimit.Requests > 0 && c.RateLimit.WindowSecs <= 0 {
			errs = append(errs, "rate_limit.window_secs must be > 0")
		}
		errs = append(errs, c.Reconcile.problems()...)
	case "verdicts":
		errs = append(errs, c.Store.problems()...)
		errs = append(errs, c.Reconcile.problems()...)
	case "serve":
		errs = append(errs, c.Store.problems()...)
		errs = append(errs, c.Reconcile.problems()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate", "prompt":
		errs = append(errs, c.Store.problems()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s StoreConfig) problems() []string {
	var errs []string
	switch s.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", s.Driver))
	}
	if s.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (l LLMConfig) problems() []string {
	var errs []string
	switch l.Provider {
	case "openai":
	case "anthropic":
		if l.APIKey == "" {
			errs = append(errs, "llm.api_key is required for anthropic")
		}
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not supported", l.Provider))
	}
	if l.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if l.TimeoutSecs <= 0 {
		errs = append(errs, "llm.timeout_secs must be > 0")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	return errs
}

func (b BatchConfig) problems() []string {
	var errs []string
	if b.Size <= 0 {
		errs = append(errs, "batch.size must be > 0")
	}
	if b.MaxItems < 0 {
		errs = append(errs, "batch.max_items must be >= 0")
	}
	if b.Concurrency < 1 || b.Concurrency > 64 {
		errs = append(errs, "batch.concurrency must be between 1 and 64")
	}
	return errs
}

// Validate checks that every reconciliation constant was set explicitly.
func (r ReconcileConfig) Validate() error {
	if errs := r.problems(); len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r ReconcileConfig) problems() []string {
	var errs []string
	if r.BaseFloor == nil {
		errs = append(errs, "reconcile.base_floor is required")
	}
	if r.SpreadWeight == nil {
		errs = append(errs, "reconcile.spread_weight is required")
	}
	if r.ConflictThreshold == nil {
		errs = append(errs, "reconcile.conflict_threshold is required")
	} else if *r.ConflictThreshold < 0 || *r.ConflictThreshold > 1 {
		errs = append(errs, "reconcile.conflict_threshold must be between 0 and 1")
	}
	for _, src := range []string{"primary", "secondary"} {
		w, ok := r.SourceWeights[src]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("reconcile.source_weights.%s is required", src))
		case w < 0:
			errs = append(errs, fmt.Sprintf("reconcile.source_weights.%s must be >= 0", src))
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
