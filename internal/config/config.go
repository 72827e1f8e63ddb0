package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Aggregation AggregationConfig `yaml:"aggregation" mapstructure:"aggregation"`
	Calculation CalculationConfig `yaml:"calculation" mapstructure:"calculation"`
	Registry    RegistryConfig    `yaml:"registry" mapstructure:"registry"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AggregationConfig tunes evidence reconciliation.
type AggregationConfig struct {
	// NumericTolerance is the relative disagreement allowed between two
	// numeric evidence values before a conflict is raised.
	NumericTolerance float64 `yaml:"numeric_tolerance" mapstructure:"numeric_tolerance"`

	// AbsoluteTolerance guards comparisons where one side is zero.
	AbsoluteTolerance float64 `yaml:"absolute_tolerance" mapstructure:"absolute_tolerance"`

	// RequiredAspects lists aspects that must aggregate cleanly for a run
	// to complete; an open conflict on any of them fails the run.
	RequiredAspects []string `yaml:"required_aspects" mapstructure:"required_aspects"`

	// MaxParallelKeys bounds the batch aggregation fan-out.
	MaxParallelKeys int `yaml:"max_parallel_keys" mapstructure:"max_parallel_keys"`
}

// CalculationConfig tunes the calculation executor.
type CalculationConfig struct {
	// OverflowCeiling is the maximum magnitude any intermediate value may
	// reach before the execution aborts with calculation_overflow.
	OverflowCeiling float64 `yaml:"overflow_ceiling" mapstructure:"overflow_ceiling"`

	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
}

// Timeout returns the wall-clock budget for one execution.
func (c CalculationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RegistryConfig configures the canonical variable registry.
type RegistryConfig struct {
	SeedPath string `yaml:"seed_path" mapstructure:"seed_path"`
}

// MonitoringConfig tunes background health checks and webhook alerting.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`

	// FailureRateThreshold is the run failure ratio above which an alert
	// fires, evaluated only once enough runs have finished in the window.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`

	// OpenConflictThreshold alerts when more open conflicts than this are
	// waiting for review.
	OpenConflictThreshold int `yaml:"open_conflict_threshold" mapstructure:"open_conflict_threshold"`

	// CalcErrorThreshold alerts on unresolved calculation errors.
	CalcErrorThreshold int `yaml:"calc_error_threshold" mapstructure:"calc_error_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TAXRULES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "taxrules.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("aggregation.numeric_tolerance", 0.0001)
	v.SetDefault("aggregation.absolute_tolerance", 0.01)
	v.SetDefault("aggregation.required_aspects", []string{"brackets"})
	v.SetDefault("aggregation.max_parallel_keys", 4)
	v.SetDefault("calculation.overflow_ceiling", 1e15)
	v.SetDefault("calculation.timeout_secs", 30)
	v.SetDefault("calculation.max_retries", 3)
	v.SetDefault("calculation.rate_limit_per_sec", 50)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.open_conflict_threshold", 10)
	v.SetDefault("monitoring.calc_error_threshold", 20)

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
