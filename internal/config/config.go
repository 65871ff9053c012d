package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CREWSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "crewsync.db"
	defaultLogLevel            = "info"
	defaultTokenTTLMinutes     = 720
	defaultMaxBatchSize        = 100
	defaultMaxPendingConflicts = 50
	defaultBatchTimeBudgetMS   = 2000
	defaultDeltaPageSize       = 200
	defaultRetentionKeep       = 10000
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration

	MaxBatchSize        int
	MaxPendingConflicts int
	BatchTimeBudget     time.Duration
	DeltaPageSize       int
	SuppressEcho        bool
	RetentionKeep       int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.max_batch_size", defaultMaxBatchSize)
	configViper.SetDefault("sync.max_pending_conflicts", defaultMaxPendingConflicts)
	configViper.SetDefault("sync.batch_time_budget_ms", defaultBatchTimeBudgetMS)
	configViper.SetDefault("sync.delta_page_size", defaultDeltaPageSize)
	configViper.SetDefault("sync.suppress_echo", false)
	configViper.SetDefault("sync.retention_keep", defaultRetentionKeep)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenTTL:            time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		MaxBatchSize:        configViper.GetInt("sync.max_batch_size"),
		MaxPendingConflicts: configViper.GetInt("sync.max_pending_conflicts"),
		BatchTimeBudget:     time.Duration(configViper.GetInt("sync.batch_time_budget_ms")) * time.Millisecond,
		DeltaPageSize:       configViper.GetInt("sync.delta_page_size"),
		SuppressEcho:        configViper.GetBool("sync.suppress_echo"),
		RetentionKeep:       configViper.GetInt64("sync.retention_keep"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("sync.max_batch_size must be positive")
	}
	if c.MaxPendingConflicts <= 0 {
		return fmt.Errorf("sync.max_pending_conflicts must be positive")
	}
	if c.DeltaPageSize <= 0 {
		return fmt.Errorf("sync.delta_page_size must be positive")
	}
	if c.RetentionKeep < 0 {
		return fmt.Errorf("sync.retention_keep must not be negative")
	}
	return nil
}
