package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"extmirror/internal/layout"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. EXTMIRROR_OUTPUT
const EnvPrefix = "EXTMIRROR_"

// Config represents the application configuration
type Config struct {
	Output   string `yaml:"output"`
	LogLevel string `yaml:"log_level"`
	Mirror   Mirror `yaml:"mirror"`
	Serve    Serve  `yaml:"serve"`
}

// Mirror represents mirror-run configuration
type Mirror struct {
	APIURL           string        `yaml:"api_url"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	MaxSchemaVersion int           `yaml:"max_schema_version"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	Journal          string        `yaml:"journal"`
	ShowProgress     bool          `yaml:"show_progress"`
	// MetricsListen serves /metrics for the duration of a run when set
	MetricsListen string `yaml:"metrics_listen"`
}

// Serve represents HTTP server configuration
type Serve struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Mirror: Mirror{
			APIURL:           "https://api.zed.dev",
			Workers:          8,
			QueueSize:        1024,
			MaxSchemaVersion: 1,
			HTTPTimeout:      5 * time.Minute,
			ShowProgress:     true,
		},
		Serve: Serve{
			Listen:          ":8070",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load loads configuration from file, environment and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// A missing .env is fine
	_ = godotenv.Load()

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg.Output = strings.TrimSuffix(cfg.Output, "/")
	if cfg.Mirror.Journal == "" && cfg.Output != "" {
		cfg.Mirror.Journal = layout.New(cfg.Output).Journal()
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config) error {
	if v, ok := lookupEnv("OUTPUT"); ok {
		cfg.Output = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}

	if v, ok := lookupEnv("API_URL"); ok {
		cfg.Mirror.APIURL = v
	}
	if err := envInt("WORKERS", &cfg.Mirror.Workers); err != nil {
		return err
	}
	if err := envInt("QUEUE_SIZE", &cfg.Mirror.QueueSize); err != nil {
		return err
	}
	if err := envInt("MAX_SCHEMA_VERSION", &cfg.Mirror.MaxSchemaVersion); err != nil {
		return err
	}
	if err := envDuration("HTTP_TIMEOUT", &cfg.Mirror.HTTPTimeout); err != nil {
		return err
	}
	if v, ok := lookupEnv("JOURNAL"); ok {
		cfg.Mirror.Journal = v
	}
	if err := envBool("SHOW_PROGRESS", &cfg.Mirror.ShowProgress); err != nil {
		return err
	}
	if v, ok := lookupEnv("METRICS_LISTEN"); ok {
		cfg.Mirror.MetricsListen = v
	}

	if v, ok := lookupEnv("LISTEN"); ok {
		cfg.Serve.Listen = v
	}
	if err := envDuration("SHUTDOWN_TIMEOUT", &cfg.Serve.ShutdownTimeout); err != nil {
		return err
	}

	return nil
}

func envInt(key string, dst *int) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("output") {
		cfg.Output, _ = flags.GetString("output")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if flags.Changed("api-url") {
		cfg.Mirror.APIURL, _ = flags.GetString("api-url")
	}
	if flags.Changed("workers") {
		cfg.Mirror.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("queue-size") {
		cfg.Mirror.QueueSize, _ = flags.GetInt("queue-size")
	}
	if flags.Changed("max-schema-version") {
		cfg.Mirror.MaxSchemaVersion, _ = flags.GetInt("max-schema-version")
	}
	if flags.Changed("http-timeout") {
		cfg.Mirror.HTTPTimeout, _ = flags.GetDuration("http-timeout")
	}
	if flags.Changed("journal") {
		cfg.Mirror.Journal, _ = flags.GetString("journal")
	}
	if flags.Changed("show-progress") {
		cfg.Mirror.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("metrics-listen") {
		cfg.Mirror.MetricsListen, _ = flags.GetString("metrics-listen")
	}

	if flags.Changed("listen") {
		cfg.Serve.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Serve.ShutdownTimeout, _ = flags.GetDuration("shutdown-timeout")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Output == "" {
		return fmt.Errorf("output directory is required")
	}

	u, err := url.Parse(c.Mirror.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api url must be http or https, got %q", c.Mirror.APIURL)
	}

	if c.Mirror.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Mirror.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Mirror.HTTPTimeout < 0 {
		return fmt.Errorf("http timeout must not be negative")
	}

	if c.Serve.Listen == "" {
		return fmt.Errorf("listen address is required")
	}

	return nil
}
