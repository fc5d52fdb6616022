package app

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/twinsync/twinsync/internal/store"
	"github.com/twinsync/twinsync/pkg/sync"
)

// Default store locations, relative to the working directory.
const (
	DefaultLocalPath  = "local.db"
	DefaultRemotePath = "remote.db"
	DefaultLedgerPath = "twinsync.db"
)

// Config holds the application configuration loaded from various sources
// including config files, environment variables, and .env files.
type Config struct {
	// Global flags
	Verbose bool
	Quiet   bool
	NoColor bool

	// Config file
	ConfigFile string

	// Store locations
	LocalPath  string
	RemotePath string
	LedgerPath string

	// Projection override (YAML); empty means the built-in table
	ProjectionFile string

	// Engine tuning
	Workers        int
	RemoteTimeout  time.Duration
	AbortThreshold int
	StaleMintRuns  int
	StaleLeaseAge  time.Duration

	// Audit retention
	RetentionMaxAge  time.Duration
	RetentionMaxRuns int

	// Logging configuration
	LogLevel  string
	LogFormat string
	LogOutput string
}

// LoadConfig loads configuration from all sources in order of precedence:
// 1. Command-line flags (handled by cobra)
// 2. Environment variables
// 3. .env files
// 4. Config file (~/.twinsync.yaml)
// 5. Defaults
func LoadConfig() (*Config, error) {
	// Load .env files first (before Viper env binding)
	loadEnvFiles()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TWINSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.AddConfigPath(".")
			viper.SetConfigType("yaml")
			viper.SetConfigName(".twinsync")
		}
	}

	// Read config file (ignore error if not found)
	_ = viper.ReadInConfig()

	config := &Config{
		Verbose: viper.GetBool("verbose"),
		Quiet:   viper.GetBool("quiet"),
		NoColor: viper.GetBool("no-color"),

		ConfigFile: viper.ConfigFileUsed(),

		LocalPath:      viper.GetString("local_path"),
		RemotePath:     viper.GetString("remote_path"),
		LedgerPath:     viper.GetString("ledger_path"),
		ProjectionFile: viper.GetString("projection_file"),

		Workers:        viper.GetInt("workers"),
		RemoteTimeout:  viper.GetDuration("remote_timeout"),
		AbortThreshold: viper.GetInt("abort_threshold"),
		StaleMintRuns:  viper.GetInt("stale_mint_runs"),
		StaleLeaseAge:  viper.GetDuration("stale_lease_age"),

		RetentionMaxAge:  viper.GetDuration("retention_max_age"),
		RetentionMaxRuns: viper.GetInt("retention_max_runs"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", ""),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "auto"),
		LogOutput: getEnvOrDefault("LOG_OUTPUT", "stderr"),
	}

	// Defaults
	if config.LocalPath == "" {
		config.LocalPath = DefaultLocalPath
	}
	if config.RemotePath == "" {
		config.RemotePath = DefaultRemotePath
	}
	if config.LedgerPath == "" {
		config.LedgerPath = DefaultLedgerPath
	}
	if config.Workers == 0 {
		config.Workers = sync.DefaultWorkers
	}
	if config.RemoteTimeout == 0 {
		config.RemoteTimeout = sync.DefaultRemoteTimeout
	}
	if config.AbortThreshold == 0 {
		config.AbortThreshold = sync.DefaultAbortThreshold
	}
	if config.StaleMintRuns == 0 {
		config.StaleMintRuns = sync.DefaultStaleMintRuns
	}
	if config.StaleLeaseAge == 0 {
		config.StaleLeaseAge = store.DefaultStaleLeaseAge
	}
	if config.RetentionMaxAge == 0 {
		config.RetentionMaxAge = 30 * 24 * time.Hour
	}
	if config.RetentionMaxRuns == 0 {
		config.RetentionMaxRuns = 5
	}

	return config, nil
}

// UpdateFromFlags updates config values from parsed command flags.
// This should be called after cobra parses flags so flag values take
// precedence over config file and env vars.
func (c *Config) UpdateFromFlags(verbose, quiet, noColor bool, logLevel string) {
	c.Verbose = verbose
	c.Quiet = quiet
	c.NoColor = noColor
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}

// loadEnvFiles loads environment variables from .env files.
// .env.local overrides .env.
func loadEnvFiles() {
	envFiles := []string{
		".env",
		".env.local",
	}

	for _, envFile := range envFiles {
		_ = godotenv.Load(envFile)
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
