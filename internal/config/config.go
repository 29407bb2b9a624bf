package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"marketpipe/internal/domain"
	apperrors "marketpipe/internal/errors"
)

// Config is the complete, immutable pipeline configuration. It is built
// once at startup and passed explicitly into component constructors; no
// component reads configuration from globals.
type Config struct {
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Watch     WatchConfig     `yaml:"watch" envconfig:"WATCH"`
	Pipeline  PipelineConfig  `yaml:"pipeline" envconfig:"PIPELINE"`
	Retention RetentionConfig `yaml:"retention" envconfig:"RETENTION"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`

	// HeaderAliasTable maps canonical field names to the source header
	// spellings that should resolve to them. Merged over the defaults.
	HeaderAliasTable map[string][]string `yaml:"header_alias_table" ignored:"true"`

	LabelRules []domain.LabelRule `yaml:"label_rules" ignored:"true" validate:"dive"`
}

// PathsConfig contains the filesystem layout.
type PathsConfig struct {
	InputDir    string `yaml:"input_dir" envconfig:"INPUT_DIR" validate:"required"`
	OutputDir   string `yaml:"output_dir" envconfig:"OUTPUT_DIR" validate:"required"`
	AuditDBPath string `yaml:"audit_db_path" envconfig:"AUDIT_DB_PATH"`
}

// WatchConfig tunes the directory watcher and ingest queue.
type WatchConfig struct {
	PollIntervalMS int     `yaml:"poll_interval_ms" envconfig:"POLL_INTERVAL_MS" validate:"gt=0"`
	DebounceMS     int     `yaml:"debounce_ms" envconfig:"DEBOUNCE_MS" validate:"gte=0"`
	NotifyRate     float64 `yaml:"notify_rate" envconfig:"NOTIFY_RATE" validate:"gt=0"`
	QueueCapacity  int     `yaml:"queue_capacity" envconfig:"QUEUE_CAPACITY" validate:"gt=0"`
}

// PipelineConfig tunes normalization, merging, and the worker pool.
type PipelineConfig struct {
	WorkerCount     int    `yaml:"worker_count" envconfig:"WORKER_COUNT" validate:"gt=0"`
	RetryMax        int    `yaml:"retry_max" envconfig:"RETRY_MAX" validate:"gte=0"`
	RetryBackoffMS  int    `yaml:"retry_backoff_ms" envconfig:"RETRY_BACKOFF_MS" validate:"gte=0"`
	MergePolicy     string `yaml:"merge_policy" envconfig:"MERGE_POLICY" validate:"oneof=last_write_wins keep_existing"`
	MomentumWindow  int    `yaml:"momentum_window" envconfig:"MOMENTUM_WINDOW" validate:"gt=0"`
	HeaderScanRows  int    `yaml:"header_scan_rows" envconfig:"HEADER_SCAN_ROWS" validate:"gt=0"`
	ShutdownGraceMS int    `yaml:"shutdown_grace_ms" envconfig:"SHUTDOWN_GRACE_MS" validate:"gte=0"`
}

// RetentionConfig controls pruning of published dataset versions.
type RetentionConfig struct {
	Versions  int    `yaml:"retention_versions" envconfig:"VERSIONS" validate:"gt=0"`
	SweepCron string `yaml:"sweep_cron" envconfig:"SWEEP_CRON"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=stdout file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			InputDir:  "data/input",
			OutputDir: "data/output",
		},
		Watch: WatchConfig{
			PollIntervalMS: 1000,
			DebounceMS:     500,
			NotifyRate:     20,
			QueueCapacity:  64,
		},
		Pipeline: PipelineConfig{
			WorkerCount:     4,
			RetryMax:        3,
			RetryBackoffMS:  500,
			MergePolicy:     "last_write_wins",
			MomentumWindow:  5,
			HeaderScanRows:  5,
			ShutdownGraceMS: 5000,
		},
		Retention: RetentionConfig{
			Versions:  10,
			SweepCron: "0 0 * * * *",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/marketpipe.log",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables (prefix MARKETPIPE), in that order of precedence
// (environment wins). Any validation failure is a fatal config error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.NewConfigError(fmt.Sprintf("read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.NewConfigError(fmt.Sprintf("parse config file %s", path), err)
		}
	}

	if err := envconfig.Process("MARKETPIPE", cfg); err != nil {
		return nil, apperrors.NewConfigError("apply environment overrides", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, including every label rule. It is
// called by Load but exported so tests can exercise it directly.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return apperrors.NewConfigError("invalid configuration", err)
	}
	names := make(map[string]bool, len(c.LabelRules))
	for _, rule := range c.LabelRules {
		if names[rule.Name] {
			return apperrors.NewConfigError(fmt.Sprintf("duplicate label rule %q", rule.Name), nil)
		}
		names[rule.Name] = true
	}
	return nil
}

// Aliases returns the effective header alias table: the defaults with any
// configured entries merged on top (configured aliases extend, not
// replace, the default list for a field).
func (c *Config) Aliases() map[string][]string {
	out := make(map[string][]string, len(defaultAliases))
	for field, aliases := range defaultAliases {
		out[field] = append([]string(nil), aliases...)
	}
	for field, aliases := range c.HeaderAliasTable {
		out[field] = append(out[field], aliases...)
	}
	return out
}

// PollInterval returns the watcher poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watch.PollIntervalMS) * time.Millisecond
}

// Debounce returns the settle debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// RetryBackoff returns the base backoff between task retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Pipeline.RetryBackoffMS) * time.Millisecond
}

// ShutdownGrace returns how long in-flight tasks may run after a
// termination signal before being abandoned.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Pipeline.ShutdownGraceMS) * time.Millisecond
}

// defaultAliases maps canonical fields to known source header spellings.
// Matching is case-insensitive and whitespace-insensitive; see the
// normalizer for the matching rules. The Chinese spellings come from the
// screener exports this pipeline was first built for.
var defaultAliases = map[string][]string{
	"symbol":         {"symbol", "code", "ticker", "代码"},
	"name":           {"name", "company", "company name", "名称"},
	"date":           {"date", "trade date", "trading date", "日期"},
	"open":           {"open", "opening price", "开盘"},
	"high":           {"high", "highest price", "最高"},
	"low":            {"low", "lowest price", "最低"},
	"close":          {"close", "closing price", "last", "收盘", "现价"},
	"volume":         {"volume", "traded volume", "vol", "成交量"},
	"change_percent": {"change%", "change %", "chg%", "pct change", "change percent", "涨幅%", "涨幅"},
}
