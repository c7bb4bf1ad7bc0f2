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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Product    ProductConfig    `yaml:"product" mapstructure:"product"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Importer   ImporterConfig   `yaml:"importer" mapstructure:"importer"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProductConfig configures access to the external product service.
type ProductConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	AuthUser    string  `yaml:"auth_user" mapstructure:"auth_user"`
	AuthPass    string  `yaml:"auth_pass" mapstructure:"auth_pass"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// TaxonomyConfig configures taxonomy snapshot loading.
type TaxonomyConfig struct {
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	RefreshTTLHours int    `yaml:"refresh_ttl_hours" mapstructure:"refresh_ttl_hours"`
	LocalDir        string `yaml:"local_dir" mapstructure:"local_dir"`
}

// ImporterConfig configures insight creation behavior.
type ImporterConfig struct {
	GraceWindowMins int     `yaml:"grace_window_mins" mapstructure:"grace_window_mins"`
	Concurrency     int     `yaml:"concurrency" mapstructure:"concurrency"`
	CategoryAutoMin float64 `yaml:"category_auto_min" mapstructure:"category_auto_min"`
	LabelAutoMin    float64 `yaml:"label_auto_min" mapstructure:"label_auto_min"`
}

// SchedulerConfig configures periodic job intervals.
type SchedulerConfig struct {
	MarkSpec    string `yaml:"mark_spec" mapstructure:"mark_spec"`
	ApplySpec   string `yaml:"apply_spec" mapstructure:"apply_spec"`
	RefreshSpec string `yaml:"refresh_spec" mapstructure:"refresh_spec"`
	DatasetSpec string `yaml:"dataset_spec" mapstructure:"dataset_spec"`
	Workers     int    `yaml:"workers" mapstructure:"workers"`
}

// RedisConfig configures the distributed lock backend. An empty Addr
// selects the in-process locker.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// NotifyConfig configures the fire-and-forget event webhook.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// MonitoringConfig configures metrics collection and threshold alerts.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	BacklogThreshold    int    `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// GraceWindow returns the delay between marking an insight automatic
// and applying it.
func (c ImporterConfig) GraceWindow() time.Duration {
	if c.GraceWindowMins <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.GraceWindowMins) * time.Minute
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CURATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("product.base_url", "https://world.productfacts.example")
	v.SetDefault("product.timeout_secs", 30)
	v.SetDefault("product.rate_limit", 10)
	v.SetDefault("taxonomy.base_url", "https://static.productfacts.example/data/taxonomies")
	v.SetDefault("taxonomy.refresh_ttl_hours", 12)
	v.SetDefault("importer.grace_window_mins", 10)
	v.SetDefault("importer.concurrency", 5)
	v.SetDefault("importer.category_auto_min", 0.9)
	v.SetDefault("importer.label_auto_min", 0.95)
	v.SetDefault("scheduler.mark_spec", "@every 2m")
	v.SetDefault("scheduler.apply_spec", "@every 1m")
	v.SetDefault("scheduler.refresh_spec", "@every 4h")
	v.SetDefault("scheduler.dataset_spec", "@every 24h")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.backlog_threshold", 10000)

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
