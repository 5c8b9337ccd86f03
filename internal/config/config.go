package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Capability CapabilityConfig `yaml:"capability" mapstructure:"capability"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Preprocess PreprocessConfig `yaml:"preprocess" mapstructure:"preprocess"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Router     RouterConfig     `yaml:"router" mapstructure:"router"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings. Each capability tier maps
// to one model.
type AnthropicConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	FastModel     string `yaml:"fast_model" mapstructure:"fast_model"`
	BalancedModel string `yaml:"balanced_model" mapstructure:"balanced_model"`
	AccurateModel string `yaml:"accurate_model" mapstructure:"accurate_model"`
	MaxTokens     int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// CapabilityConfig bounds calls to the extraction capability.
type CapabilityConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	JitterFraction    float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	BreakerFailures   int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ConfidenceConfig holds the escalation thresholds.
type ConfidenceConfig struct {
	HighThreshold     float64 `yaml:"high_threshold" mapstructure:"high_threshold"`
	LowThreshold      float64 `yaml:"low_threshold" mapstructure:"low_threshold"`
	ClassifyThreshold float64 `yaml:"classify_threshold" mapstructure:"classify_threshold"`
	StructureMinimum  float64 `yaml:"structure_minimum" mapstructure:"structure_minimum"`
}

// PreprocessConfig configures chunking.
type PreprocessConfig struct {
	MaxChunkChars int `yaml:"max_chunk_chars" mapstructure:"max_chunk_chars"`
	MinTextChars  int `yaml:"min_text_chars" mapstructure:"min_text_chars"`
}

// OCRConfig configures the OCR-capable preprocessing tier.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// RouterConfig points at the versioned routing policy.
type RouterConfig struct {
	PolicyPath string `yaml:"policy_path" mapstructure:"policy_path"`
}

// TaxonomyConfig points at the regulatory taxonomy.
type TaxonomyConfig struct {
	Path          string  `yaml:"path" mapstructure:"path"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	RemapOnStart  bool    `yaml:"remap_on_start" mapstructure:"remap_on_start"`
}

// WorkerConfig configures the job worker pool.
type WorkerConfig struct {
	PoolSize         int `yaml:"pool_size" mapstructure:"pool_size"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	LeaseSecs        int `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// NotionConfig holds the review queue database settings.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// FetchConfig configures document retrieval.
type FetchConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SpoolDir    string `yaml:"spool_dir" mapstructure:"spool_dir"`
	MaxBytes    int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	// OCRPerPage prices the configured OCR provider. Zero keeps the default.
	OCRPerPage float64 `yaml:"ocr_per_page" mapstructure:"ocr_per_page"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// MonitoringConfig configures ledger health checks and alerting.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD       float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "evidence.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.balanced_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.accurate_model", "claude-opus-4-6")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("capability.requests_per_second", 2.0)
	v.SetDefault("capability.burst", 4)
	v.SetDefault("capability.timeout_secs", 120)
	v.SetDefault("capability.max_attempts", 4)
	v.SetDefault("capability.initial_backoff_ms", 5000)
	v.SetDefault("capability.max_backoff_ms", 60000)
	v.SetDefault("capability.jitter_fraction", 0.25)
	v.SetDefault("capability.breaker_failures", 5)
	v.SetDefault("capability.breaker_reset_secs", 30)
	v.SetDefault("confidence.high_threshold", 0.85)
	v.SetDefault("confidence.low_threshold", 0.5)
	v.SetDefault("confidence.classify_threshold", 0.6)
	v.SetDefault("confidence.structure_minimum", 0.3)
	v.SetDefault("preprocess.max_chunk_chars", 12000)
	v.SetDefault("preprocess.min_text_chars", 200)
	v.SetDefault("ocr.provider", "none")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("router.policy_path", "configs/router/policy.yaml")
	v.SetDefault("taxonomy.path", "configs/taxonomy/dora.yaml")
	v.SetDefault("taxonomy.min_confidence", 0.5)
	v.SetDefault("taxonomy.remap_on_start", true)
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.poll_interval_secs", 5)
	v.SetDefault("worker.lease_secs", 900)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.spool_dir", "spool")
	v.SetDefault("fetch.max_bytes", 100<<20)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.review_backlog_threshold", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints viper cannot express.
func (c *Config) Validate() error {
	cc := c.Confidence
	if cc.LowThreshold < 0 || cc.HighThreshold > 1 || cc.LowThreshold >= cc.HighThreshold {
		return eris.Errorf("config: confidence thresholds must satisfy 0 <= low < high <= 1 (low=%v high=%v)", cc.LowThreshold, cc.HighThreshold)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Worker.PoolSize <= 0 {
		return eris.New("config: worker.pool_size must be positive")
	}
	return nil
}

// ValidateMode checks the settings a specific command needs.
func (c *Config) ValidateMode(mode string) error {
	var missing []string
	switch mode {
	case "submit", "status", "review", "taxonomy":
	case "run", "work", "questionnaire":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
	case "serve":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	case "review-sync":
		if c.Notion.Token == "" {
			missing = append(missing, "notion.token is required")
		}
		if c.Notion.ReviewDB == "" {
			missing = append(missing, "notion.review_db is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url is required")
	}
	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
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
