package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
)

// EnvPrefix prefixes every environment override, e.g. PA_RUN_CONCURRENCY.
const EnvPrefix = "PA"

// Config is the top-level application configuration.
// It is loaded from ~/.config/posture-auditor/config.yaml, overlaid with
// PA_* environment variables; command-line flags override both.
type Config struct {
	AWS     AWSConfig     `mapstructure:"aws"`
	Run     RunConfig     `mapstructure:"run"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Log     LogConfig     `mapstructure:"log"`
	Output  OutputConfig  `mapstructure:"output"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// AWSConfig holds AWS-specific defaults used when flags are not provided.
type AWSConfig struct {
	// DefaultProfile is used when no --profile flag is provided.
	DefaultProfile string `mapstructure:"default_profile"`

	// DefaultRegions is used when no --region flag is provided. Empty means
	// every active region.
	DefaultRegions []string `mapstructure:"default_regions"`
}

// RunConfig controls check execution.
type RunConfig struct {
	// Concurrency is the number of checks run at once inside one scope.
	Concurrency int `mapstructure:"concurrency"`

	// ScopeConcurrency is the number of (account, region) scopes run at once.
	ScopeConcurrency int `mapstructure:"scope_concurrency"`

	// CheckTimeout bounds each check. Zero disables the bound.
	CheckTimeout time.Duration `mapstructure:"check_timeout"`

	// AuditorDelay pauses between auditors inside a scope.
	AuditorDelay time.Duration `mapstructure:"auditor_delay"`
}

// FetchConfig tunes the AWS call boundary.
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxTries      uint          `mapstructure:"max_tries"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// Options converts the section into fetcher options.
func (f FetchConfig) Options() common.FetchOptions {
	o := common.DefaultFetchOptions()
	o.Timeout = f.Timeout
	o.MaxTries = f.MaxTries
	o.RatePerSecond = f.RatePerSecond
	o.Burst = f.Burst
	return o
}

type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

type OutputConfig struct {
	Format  string `mapstructure:"format"`
	Colored bool   `mapstructure:"colored"`
}

type MetricsConfig struct {
	// Textfile, when set, receives Prometheus metrics after each audit in
	// the node_exporter textfile format.
	Textfile string `mapstructure:"textfile"`
}

// DefaultPath returns ~/.config/posture-auditor/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "posture-auditor", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	fetch := common.DefaultFetchOptions()

	v.SetDefault("aws.default_profile", "")
	v.SetDefault("aws.default_regions", []string{})
	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.scope_concurrency", 4)
	v.SetDefault("run.check_timeout", 5*time.Minute)
	v.SetDefault("run.auditor_delay", time.Duration(0))
	v.SetDefault("fetch.timeout", fetch.Timeout)
	v.SetDefault("fetch.max_tries", fetch.MaxTries)
	v.SetDefault("fetch.rate_per_second", fetch.RatePerSecond)
	v.SetDefault("fetch.burst", fetch.Burst)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("output.format", "table")
	v.SetDefault("output.colored", false)
	v.SetDefault("metrics.textfile", "")
}

// Load reads configuration. An explicit path must exist; with an empty path
// the default location is used when present and skipped otherwise.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	case DefaultPath() != "":
		def := DefaultPath()
		if _, err := os.Stat(def); err == nil {
			v.SetConfigFile(def)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", def, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns every problem with the configuration joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Run.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("run.concurrency must be >= 1, got %d", c.Run.Concurrency))
	}
	if c.Run.ScopeConcurrency < 1 {
		errs = append(errs, fmt.Errorf("run.scope_concurrency must be >= 1, got %d", c.Run.ScopeConcurrency))
	}
	if c.Run.CheckTimeout < 0 {
		errs = append(errs, errors.New("run.check_timeout must not be negative"))
	}
	if c.Run.AuditorDelay < 0 {
		errs = append(errs, errors.New("run.auditor_delay must not be negative"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if c.Fetch.MaxTries == 0 {
		errs = append(errs, errors.New("fetch.max_tries must be >= 1"))
	}
	if c.Fetch.RatePerSecond < 0 {
		errs = append(errs, errors.New("fetch.rate_per_second must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !slices.Contains([]string{"console", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q; valid values: console, json", c.Log.Format))
	}
	if !slices.Contains([]string{"table", "ndjson", "json"}, c.Output.Format) {
		errs = append(errs, fmt.Errorf("output.format %q; valid values: table, ndjson, json", c.Output.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
