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
	Schema     SchemaConfig     `yaml:"schema" mapstructure:"schema"`
	Loop       LoopConfig       `yaml:"loop" mapstructure:"loop"`
	Feedback   FeedbackConfig   `yaml:"feedback" mapstructure:"feedback"`
	Candidates CandidatesConfig `yaml:"candidates" mapstructure:"candidates"`
	Bias       BiasConfig       `yaml:"bias" mapstructure:"bias"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SchemaConfig selects the schema backing store.
type SchemaConfig struct {
	Backend    string   `yaml:"backend" mapstructure:"backend"`
	File       string   `yaml:"file" mapstructure:"file"`
	Watch      bool     `yaml:"watch" mapstructure:"watch"`
	DenyList   []string `yaml:"deny_list" mapstructure:"deny_list"`
	AllowPrior []string `yaml:"allow_prior" mapstructure:"allow_prior"`
}

// LoopConfig tunes the consistency loop.
type LoopConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	MaxIterations       int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	CallTimeoutSecs     int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	IterationRetries    int     `yaml:"iteration_retries" mapstructure:"iteration_retries"`
	CompressPrompt      bool    `yaml:"compress_prompt" mapstructure:"compress_prompt"`
	DeferBias           bool    `yaml:"defer_bias" mapstructure:"defer_bias"`
}

// FeedbackConfig bounds user correction rounds.
type FeedbackConfig struct {
	Rounds         int `yaml:"rounds" mapstructure:"rounds"`
	SessionTTLMins int `yaml:"session_ttl_mins" mapstructure:"session_ttl_mins"`
}

// CandidatesConfig configures field candidate governance.
type CandidatesConfig struct {
	MinSupport     int `yaml:"min_support" mapstructure:"min_support"`
	PromoteRetries int `yaml:"promote_retries" mapstructure:"promote_retries"`
}

// BiasConfig configures the bias job queue and its workers.
type BiasConfig struct {
	MaxAttempts      int               `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize        int               `yaml:"batch_size" mapstructure:"batch_size"`
	Workers          int               `yaml:"workers" mapstructure:"workers"`
	PollIntervalSecs int               `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	StaleAfterSecs   int               `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	AnalysisTypes    []string          `yaml:"analysis_types" mapstructure:"analysis_types"`
	Prompts          map[string]string `yaml:"prompts" mapstructure:"prompts"`
}

// RetryConfig is the provider and job retry policy.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	Model             string `yaml:"model" mapstructure:"model"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// OpenAIConfig holds OpenAI image and vision settings.
type OpenAIConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	ImageModel        string `yaml:"image_model" mapstructure:"image_model"`
	ImageSize         string `yaml:"image_size" mapstructure:"image_size"`
	VisionModel       string `yaml:"vision_model" mapstructure:"vision_model"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures alert checks.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ExhaustionRateThreshold float64 `yaml:"exhaustion_rate_threshold" mapstructure:"exhaustion_rate_threshold"`
	DeadLetterThreshold     int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	CandidateBacklog        int     `yaml:"candidate_backlog" mapstructure:"candidate_backlog"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "pald.db")
	v.SetDefault("schema.backend", "store")
	v.SetDefault("schema.file", "schema.yaml")
	v.SetDefault("loop.similarity_threshold", 0.8)
	v.SetDefault("loop.max_iterations", 3)
	v.SetDefault("loop.call_timeout_secs", 90)
	v.SetDefault("loop.iteration_retries", 3)
	v.SetDefault("loop.compress_prompt", true)
	v.SetDefault("feedback.rounds", 3)
	v.SetDefault("feedback.session_ttl_mins", 60)
	v.SetDefault("candidates.min_support", 5)
	v.SetDefault("candidates.promote_retries", 3)
	v.SetDefault("bias.max_attempts", 3)
	v.SetDefault("bias.batch_size", 10)
	v.SetDefault("bias.workers", 2)
	v.SetDefault("bias.poll_interval_secs", 5)
	v.SetDefault("bias.stale_after_secs", 600)
	v.SetDefault("bias.analysis_types", []string{"age_shift", "gender_shift"})
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_minute", 50)
	v.SetDefault("openai.image_model", "dall-e-3")
	v.SetDefault("openai.image_size", "1024x1024")
	v.SetDefault("openai.vision_model", "gpt-4o-mini")
	v.SetDefault("openai.requests_per_minute", 20)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.exhaustion_rate_threshold", 0.5)
	v.SetDefault("monitoring.dead_letter_threshold", 10)
	v.SetDefault("monitoring.candidate_backlog", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Modes: run,
// serve, worker, admin.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}

	switch c.Schema.Backend {
	case "store":
	case "file":
		if c.Schema.File == "" {
			add("schema.file is required for the file backend")
		}
	default:
		add("schema.backend must be store or file, got %q", c.Schema.Backend)
	}

	needLoop, needBias := false, false
	switch mode {
	case "run":
		needLoop = true
	case "serve":
		needLoop, needBias = true, true
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "worker":
		needBias = true
	case "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needLoop {
		if c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
		if c.OpenAI.Key == "" {
			add("openai.key is required")
		}
		if c.Loop.SimilarityThreshold <= 0 || c.Loop.SimilarityThreshold > 1 {
			add("loop.similarity_threshold must be in (0, 1]")
		}
		if c.Loop.MaxIterations < 0 {
			add("loop.max_iterations must be >= 0")
		}
		if c.Loop.IterationRetries < 0 {
			add("loop.iteration_retries must be >= 0")
		}
		if c.Feedback.Rounds < 0 {
			add("feedback.rounds must be >= 0")
		}
	}
	if needBias {
		if c.Anthropic.Key == "" && !needLoop {
			add("anthropic.key is required")
		}
		if c.Bias.MaxAttempts < 1 {
			add("bias.max_attempts must be >= 1")
		}
		if c.Bias.Workers < 1 || c.Bias.Workers > 32 {
			add("bias.workers must be between 1 and 32")
		}
		if c.Bias.BatchSize < 1 {
			add("bias.batch_size must be >= 1")
		}
	}
	if c.Candidates.MinSupport < 1 {
		add("candidates.min_support must be >= 1")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
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
