// Package config loads daemon configuration from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/psantana5/media-pipeline/pkg/retry"
)

// EnvPrefix is prepended to every environment override, e.g. PIPELINE_SERVER_ADDR
const EnvPrefix = "PIPELINE"

// Config is the full daemon configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store" json:"store"`
	Log      LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker" json:"worker"`
	Uploads  UploadsConfig  `mapstructure:"uploads" yaml:"uploads" json:"uploads"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup" yaml:"cleanup" json:"cleanup"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr" json:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	// APIKeys are accepted verbatim; APIKeyHashes are bcrypt hashes
	APIKeys       []string      `mapstructure:"api_keys" yaml:"api_keys" json:"-"`
	APIKeyHashes  []string      `mapstructure:"api_key_hashes" yaml:"api_key_hashes" json:"-"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second" json:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	TLS           TLSConfig     `mapstructure:"tls" yaml:"tls" json:"tls"`
}

// TLSConfig points at PEM files. An empty config means plain HTTP.
type TLSConfig struct {
	CertFile          string `mapstructure:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile           string `mapstructure:"key_file" yaml:"key_file" json:"key_file"`
	CAFile            string `mapstructure:"ca_file" yaml:"ca_file" json:"ca_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert" yaml:"require_client_cert" json:"require_client_cert"`
}

type StoreConfig struct {
	Type            string        `mapstructure:"type" yaml:"type" json:"type"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"-"`
	Path            string        `mapstructure:"path" yaml:"path" json:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json" json:"json"`
	File  bool   `mapstructure:"file" yaml:"file" json:"file"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" yaml:"environment" json:"environment"`
}

// ChunkingConfig is forwarded to the chunk and merge workers
type ChunkingConfig struct {
	ChunkDuration       int     `mapstructure:"chunk_duration" yaml:"chunk_duration" json:"chunk_duration"`
	OverlapDuration     int     `mapstructure:"overlap_duration" yaml:"overlap_duration" json:"overlap_duration"`
	MinChunkDuration    int     `mapstructure:"min_chunk_duration" yaml:"min_chunk_duration" json:"min_chunk_duration"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold" json:"similarity_threshold"`
}

// RetryPolicy is the per-stage retry setting. MaxAttempts counts retries
// after the first invocation.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	BackoffRate float64       `mapstructure:"backoff_rate" yaml:"backoff_rate" json:"backoff_rate"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
}

// RetryConfig converts the policy to a retry.Config
func (p RetryPolicy) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     p.MaxAttempts,
		InitialBackoff: p.Interval,
		MaxBackoff:     p.MaxDelay,
		Multiplier:     p.BackoffRate,
	}
}

type PipelineConfig struct {
	StateMachine          string                 `mapstructure:"state_machine" yaml:"state_machine" json:"state_machine"`
	Timeout               time.Duration          `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	DiarizeConcurrency    int                    `mapstructure:"diarize_concurrency" yaml:"diarize_concurrency" json:"diarize_concurrency"`
	TranscribeConcurrency int                    `mapstructure:"transcribe_concurrency" yaml:"transcribe_concurrency" json:"transcribe_concurrency"`
	SharedWorkerLimit     int                    `mapstructure:"shared_worker_limit" yaml:"shared_worker_limit" json:"shared_worker_limit"`
	HistoryLookback       int                    `mapstructure:"history_lookback" yaml:"history_lookback" json:"history_lookback"`
	OutputBucket          string                 `mapstructure:"output_bucket" yaml:"output_bucket" json:"output_bucket"`
	Chunking              ChunkingConfig         `mapstructure:"chunking" yaml:"chunking" json:"chunking"`
	Retry                 map[string]RetryPolicy `mapstructure:"retry" yaml:"retry" json:"retry"`
}

type WorkerConfig struct {
	// Mode is "http" (remote stage workers) or "simulated" (in-process stand-ins)
	Mode    string        `mapstructure:"mode" yaml:"mode" json:"mode"`
	BaseURL string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key" json:"-"`
	TLS     TLSConfig     `mapstructure:"tls" yaml:"tls" json:"tls"`
}

type UploadsConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

type CleanupConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval" json:"vacuum_interval"`

	// RedeliverInterval paces retries of terminal events the reconciler
	// never accepted
	RedeliverInterval time.Duration `mapstructure:"redeliver_interval" yaml:"redeliver_interval" json:"redeliver_interval"`
}

// retryDefaults are keyed by the snake_case stage name
var retryDefaults = map[string]RetryPolicy{
	"extract_audio":      {MaxAttempts: 2, Interval: 5 * time.Second, BackoffRate: 2},
	"chunk_audio":        {MaxAttempts: 2, Interval: 5 * time.Second, BackoffRate: 2},
	"diarize_chunk":      {MaxAttempts: 2, Interval: 10 * time.Second, BackoffRate: 2},
	"merge_speakers":     {MaxAttempts: 2, Interval: 5 * time.Second, BackoffRate: 2},
	"split_by_speaker":   {MaxAttempts: 2, Interval: 5 * time.Second, BackoffRate: 2},
	"transcribe_segment": {MaxAttempts: 3, Interval: 5 * time.Second, BackoffRate: 2},
	"aggregate_results":  {MaxAttempts: 2, Interval: 5 * time.Second, BackoffRate: 2},
	"llm_analysis":       {MaxAttempts: 3, Interval: 10 * time.Second, BackoffRate: 2},
}

// legacyEnv maps config keys to the bare variable names the worker deployments use
var legacyEnv = map[string]string{
	"pipeline.chunking.chunk_duration":       "CHUNK_DURATION",
	"pipeline.chunking.overlap_duration":     "OVERLAP_DURATION",
	"pipeline.chunking.min_chunk_duration":   "MIN_CHUNK_DURATION",
	"pipeline.chunking.similarity_threshold": "SIMILARITY_THRESHOLD",
	"pipeline.output_bucket":                 "OUTPUT_BUCKET",
	"store.dsn":                              "DATABASE_DSN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.rate_per_second", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "pipeline.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "media-pipeline")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("pipeline.state_machine", "meeting-analysis")
	v.SetDefault("pipeline.timeout", 6*time.Hour)
	v.SetDefault("pipeline.diarize_concurrency", 5)
	v.SetDefault("pipeline.transcribe_concurrency", 10)
	v.SetDefault("pipeline.shared_worker_limit", 0)
	v.SetDefault("pipeline.history_lookback", 20)
	v.SetDefault("pipeline.output_bucket", "")
	v.SetDefault("pipeline.chunking.chunk_duration", 480)
	v.SetDefault("pipeline.chunking.overlap_duration", 30)
	v.SetDefault("pipeline.chunking.min_chunk_duration", 60)
	v.SetDefault("pipeline.chunking.similarity_threshold", 0.75)
	for stage, p := range retryDefaults {
		prefix := "pipeline.retry." + stage + "."
		v.SetDefault(prefix+"max_attempts", p.MaxAttempts)
		v.SetDefault(prefix+"interval", p.Interval)
		v.SetDefault(prefix+"backoff_rate", p.BackoffRate)
		v.SetDefault(prefix+"max_delay", 5*time.Minute)
	}

	v.SetDefault("worker.mode", "simulated")
	v.SetDefault("worker.timeout", 15*time.Minute)

	v.SetDefault("uploads.ttl", 24*time.Hour)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.vacuum_interval", 24*time.Hour)
	v.SetDefault("cleanup.redeliver_interval", 5*time.Minute)
}

// Load reads configuration. path may be empty; flags may be nil.
// Precedence: flags, environment, file, defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if flags != nil {
		bindings := map[string]string{
			"addr":         "server.addr",
			"metrics-addr": "server.metrics_addr",
			"store":        "store.type",
			"dsn":          "store.dsn",
			"db":           "store.path",
			"log-level":    "log.level",
			"worker-url":   "worker.base_url",
			"worker-mode":  "worker.mode",
		}
		for flag, key := range bindings {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fillRetryDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading env or files
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults alone always decode
	_ = v.Unmarshal(&cfg)
	cfg.fillRetryDefaults()
	return &cfg
}

func (c *Config) fillRetryDefaults() {
	if c.Pipeline.Retry == nil {
		c.Pipeline.Retry = make(map[string]RetryPolicy)
	}
	for stage, p := range retryDefaults {
		if _, ok := c.Pipeline.Retry[stage]; !ok {
			c.Pipeline.Retry[stage] = p
		}
	}
}

// RetryFor returns the retry policy for a snake_case stage name
func (c *Config) RetryFor(stage string) retry.Config {
	if p, ok := c.Pipeline.Retry[stage]; ok {
		return p.RetryConfig()
	}
	return retry.DefaultConfig()
}

// ValidationError lists every invalid setting found
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// ErrInvalidConfig is matched by every *ValidationError
var ErrInvalidConfig = errors.New("invalid configuration")

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidConfig }

// Validate fails fast on settings the daemon cannot run with
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Type {
	case "postgres", "postgresql":
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required for postgres")
		}
	case "sqlite", "memory", "":
	default:
		problems = append(problems, fmt.Sprintf("unsupported store.type %q", c.Store.Type))
	}

	switch c.Worker.Mode {
	case "http":
		if c.Worker.BaseURL == "" {
			problems = append(problems, "worker.base_url is required when worker.mode=http")
		}
	case "simulated":
	default:
		problems = append(problems, fmt.Sprintf("unsupported worker.mode %q", c.Worker.Mode))
	}

	if c.Pipeline.DiarizeConcurrency <= 0 {
		problems = append(problems, "pipeline.diarize_concurrency must be positive")
	}
	if c.Pipeline.TranscribeConcurrency <= 0 {
		problems = append(problems, "pipeline.transcribe_concurrency must be positive")
	}
	if c.Pipeline.Timeout <= 0 {
		problems = append(problems, "pipeline.timeout must be positive")
	}
	if t := c.Pipeline.Chunking.SimilarityThreshold; t <= 0 || t > 1 {
		problems = append(problems, "pipeline.chunking.similarity_threshold must be in (0, 1]")
	}
	ch := c.Pipeline.Chunking
	if ch.ChunkDuration <= 0 || ch.OverlapDuration < 0 || ch.OverlapDuration >= ch.ChunkDuration {
		problems = append(problems, "pipeline.chunking durations must satisfy 0 <= overlap < chunk")
	}
	if t := c.Server.TLS; (t.CertFile == "") != (t.KeyFile == "") {
		problems = append(problems, "server.tls.cert_file and server.tls.key_file must be set together")
	}
	if c.Server.TLS.RequireClientCert && c.Server.TLS.CAFile == "" {
		problems = append(problems, "server.tls.ca_file is required when require_client_cert is set")
	}
	for stage, p := range c.Pipeline.Retry {
		if p.MaxAttempts < 0 {
			problems = append(problems, fmt.Sprintf("pipeline.retry.%s.max_attempts must not be negative", stage))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
