package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Backup     BackupConfig     `yaml:"backup" mapstructure:"backup"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// CatalogConfig locates the master catalog.
type CatalogConfig struct {
	// Path is a local .csv/.xlsx file or an http(s):// or ftp:// URL.
	Path        string `yaml:"path" mapstructure:"path"`
	Seed        int64  `yaml:"seed" mapstructure:"seed"`
	Encoding    string `yaml:"encoding" mapstructure:"encoding"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// StoreConfig configures the tagged-record store.
type StoreConfig struct {
	Path            string  `yaml:"path" mapstructure:"path"`
	MinRows         int     `yaml:"min_rows" mapstructure:"min_rows"`
	MaxShrink       float64 `yaml:"max_shrink" mapstructure:"max_shrink"`
	LockTimeoutSecs int     `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
}

// BackupConfig configures snapshots, startup recovery and retention.
type BackupConfig struct {
	Dir            string `yaml:"dir" mapstructure:"dir"`
	Threshold      int    `yaml:"threshold" mapstructure:"threshold"`
	ScanLimit      int    `yaml:"scan_limit" mapstructure:"scan_limit"`
	RetentionCount int    `yaml:"retention_count" mapstructure:"retention_count"`
	RetentionDays  int    `yaml:"retention_days" mapstructure:"retention_days"`
	RecoveryLog    string `yaml:"recovery_log" mapstructure:"recovery_log"`
	SaveLog        string `yaml:"save_log" mapstructure:"save_log"`
}

// LedgerConfig configures the save-event ledger backend.
type LedgerConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AuthConfig configures the annotator credential gate.
type AuthConfig struct {
	CredentialsFile   string `yaml:"credentials_file" mapstructure:"credentials_file"`
	AttemptsPerMinute int    `yaml:"attempts_per_minute" mapstructure:"attempts_per_minute"`
}

// ServerConfig configures the annotation API server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	SessionIdleMinutes int      `yaml:"session_idle_minutes" mapstructure:"session_idle_minutes"`
}

// MonitoringConfig configures alert delivery.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
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
	v.SetEnvPrefix("TAGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("catalog.path", "final_image_metadata.csv")
	v.SetDefault("catalog.seed", 0)
	v.SetDefault("catalog.encoding", "utf-8")
	v.SetDefault("catalog.timeout_secs", 60)
	v.SetDefault("store.path", "tagged_data.csv")
	v.SetDefault("store.min_rows", 10)
	v.SetDefault("store.max_shrink", 0.5)
	v.SetDefault("store.lock_timeout_secs", 10)
	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.threshold", 50)
	v.SetDefault("backup.scan_limit", 20)
	v.SetDefault("backup.retention_count", 0)
	v.SetDefault("backup.retention_days", 0)
	v.SetDefault("backup.recovery_log", "recovery_log.txt")
	v.SetDefault("backup.save_log", "save_log.txt")
	v.SetDefault("ledger.driver", "none")
	v.SetDefault("auth.credentials_file", "annotators.yaml")
	v.SetDefault("auth.attempts_per_minute", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.session_idle_minutes", 120)
	v.SetDefault("monitoring.check_interval_secs", 300)
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the durability layer cannot operate with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return eris.New("config: store.path is required")
	}
	if c.Backup.Dir == "" {
		return eris.New("config: backup.dir is required")
	}
	if c.Store.MaxShrink < 0 || c.Store.MaxShrink > 1 {
		return eris.Errorf("config: store.max_shrink must be within [0, 1], got %g", c.Store.MaxShrink)
	}
	if c.Store.MinRows < 0 {
		return eris.Errorf("config: store.min_rows must be >= 0, got %d", c.Store.MinRows)
	}
	if c.Backup.Threshold < 0 {
		return eris.Errorf("config: backup.threshold must be >= 0, got %d", c.Backup.Threshold)
	}
	if c.Backup.ScanLimit <= 0 {
		return eris.Errorf("config: backup.scan_limit must be > 0, got %d", c.Backup.ScanLimit)
	}
	switch c.Ledger.Driver {
	case "", "none", "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown ledger.driver %q", c.Ledger.Driver)
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
