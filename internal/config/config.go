// Package config loads and validates crawl configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pipeline names accepted in enabled_pipeline.
const (
	PipelineMemory         = "memory"
	PipelineRequiredFields = "required_fields"
	PipelineJSONL          = "jsonl"
	PipelineSQLite         = "sqlite"
	PipelineGCS            = "gcs"
	PipelinePostgres       = "postgres"
	PipelinePubSub         = "pubsub"
)

// Middleware names accepted in enabled_download_middleware.
const (
	MiddlewareDefaultHeaders = "default_headers"
	MiddlewareRateLimit      = "rate_limit"
	MiddlewareRetry          = "retry"
	MiddlewareStats          = "stats"
)

// Downloader kinds.
const (
	DownloaderColly    = "colly"
	DownloaderHeadless = "headless"
)

// KnownPipelines lists every pipeline name the application can build.
var KnownPipelines = []string{
	PipelineMemory, PipelineRequiredFields, PipelineJSONL, PipelineSQLite,
	PipelineGCS, PipelinePostgres, PipelinePubSub,
}

// KnownMiddleware lists every download middleware name the application can build.
var KnownMiddleware = []string{
	MiddlewareDefaultHeaders, MiddlewareRateLimit, MiddlewareRetry, MiddlewareStats,
}

// Config captures every knob of a crawl run.
type Config struct {
	ConcurrentRequests        int      `mapstructure:"concurrent_requests"`
	EnabledPipeline           []string `mapstructure:"enabled_pipeline"`
	EnabledDownloadMiddleware []string `mapstructure:"enabled_download_middleware"`
	ReporterIntervalSeconds   int      `mapstructure:"reporter_interval_seconds"`
	StopOnHandlerError        bool     `mapstructure:"stop_on_handler_error"`
	ShutdownTimeoutSeconds    int      `mapstructure:"shutdown_timeout_seconds"`

	Downloader DownloaderConfig `mapstructure:"downloader"`
	Retry      RetryConfig      `mapstructure:"retry"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Pipelines  PipelinesConfig  `mapstructure:"pipelines"`
	Spider     SpiderConfig     `mapstructure:"spider"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DownloaderConfig selects and tunes the Downloader.
type DownloaderConfig struct {
	Kind           string            `mapstructure:"kind"`
	UserAgent      string            `mapstructure:"user_agent"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Headers        map[string]string `mapstructure:"headers"`
	MaxParallel    int               `mapstructure:"max_parallel"`
	SettleMs       int               `mapstructure:"settle_ms"`
}

// RetryConfig tunes the retry middleware.
type RetryConfig struct {
	MaxRetries       int   `mapstructure:"max_retries"`
	HTTPCodes        []int `mapstructure:"http_codes"`
	PriorityAdjust   int   `mapstructure:"priority_adjust"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig tunes the per-domain rate limiter.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// PipelinesConfig holds backend settings for each pipeline.
type PipelinesConfig struct {
	RequiredFields []string       `mapstructure:"required_fields"`
	JSONL          DirConfig      `mapstructure:"jsonl"`
	SQLite         SQLiteConfig   `mapstructure:"sqlite"`
	GCS            GCSConfig      `mapstructure:"gcs"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
	PubSub         PubSubConfig   `mapstructure:"pubsub"`
}

// DirConfig points a file-based pipeline at a directory.
type DirConfig struct {
	Dir string `mapstructure:"dir"`
}

// BatchConfig sets the row count and encoded byte size at which a storage
// pipeline writes its buffered records. Zero disables a threshold.
type BatchConfig struct {
	BatchSize  int `mapstructure:"batch_size"`
	BatchBytes int `mapstructure:"batch_bytes"`
}

// SQLiteConfig points the SQLite pipeline at a directory.
type SQLiteConfig struct {
	Dir         string `mapstructure:"dir"`
	BatchConfig `mapstructure:",squash"`
}

// GCSConfig sets the bucket and object prefix for record blobs.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`

	BatchConfig `mapstructure:",squash"`
}

// PubSubConfig holds the topic records are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// SpiderConfig configures the bundled link-following spider.
type SpiderConfig struct {
	StartURLs       []string `mapstructure:"start_urls"`
	AllowedDomains  []string `mapstructure:"allowed_domains"`
	DeniedDomains   []string `mapstructure:"denied_domains"`
	MaxDepth        int      `mapstructure:"max_depth"`
	Priority        int      `mapstructure:"priority"`
	MaxLinksPerPage int      `mapstructure:"max_links_per_page"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindBareEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindBareEnv lets the core knobs be set without the CRAWLER_ prefix.
// The prefixed form wins when both are present.
func bindBareEnv(v *viper.Viper) error {
	for _, key := range []string{"concurrent_requests", "enabled_pipeline", "enabled_download_middleware"} {
		env := strings.ToUpper(key)
		if err := v.BindEnv(key, "CRAWLER_"+env, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("concurrent_requests", 8)
	v.SetDefault("enabled_pipeline", []string{PipelineMemory})
	v.SetDefault("enabled_download_middleware", []string{MiddlewareDefaultHeaders, MiddlewareRetry, MiddlewareStats})
	v.SetDefault("reporter_interval_seconds", 60)
	v.SetDefault("stop_on_handler_error", false)
	v.SetDefault("shutdown_timeout_seconds", 30)
	v.SetDefault("downloader.kind", DownloaderColly)
	v.SetDefault("downloader.user_agent", "crawl-scheduler/0.1")
	v.SetDefault("downloader.timeout_seconds", 15)
	v.SetDefault("downloader.max_parallel", 0)
	v.SetDefault("downloader.settle_ms", 500)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.http_codes", []int{500, 502, 503, 504, 522, 524, 408, 429})
	v.SetDefault("retry.priority_adjust", -1)
	v.SetDefault("retry.backoff_initial_ms", 0)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("pipelines.jsonl.dir", "output")
	v.SetDefault("pipelines.sqlite.dir", "output")
	v.SetDefault("pipelines.gcs.prefix", "records")
	v.SetDefault("pipelines.postgres.table", "crawl_records")
	v.SetDefault("pipelines.postgres.max_conns", 4)
	v.SetDefault("pipelines.postgres.batch_size", 500)
	v.SetDefault("pipelines.postgres.batch_bytes", 0)
	v.SetDefault("pipelines.sqlite.batch_size", 500)
	v.SetDefault("pipelines.sqlite.batch_bytes", 0)
	v.SetDefault("spider.max_depth", 1)
	v.SetDefault("spider.priority", 0)
	v.SetDefault("spider.max_links_per_page", 200)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.ConcurrentRequests <= 0 {
		return fmt.Errorf("concurrent_requests must be > 0")
	}
	if c.ReporterIntervalSeconds <= 0 {
		return fmt.Errorf("reporter_interval_seconds must be > 0")
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("shutdown_timeout_seconds must be > 0")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if err := c.validateDownloader(); err != nil {
		return err
	}
	if err := c.validateMiddleware(); err != nil {
		return err
	}
	return c.validatePipelines()
}

func (c Config) validateDownloader() error {
	switch c.Downloader.Kind {
	case DownloaderColly, DownloaderHeadless:
	default:
		return fmt.Errorf("downloader.kind %q must be %s or %s", c.Downloader.Kind, DownloaderColly, DownloaderHeadless)
	}
	if c.Downloader.TimeoutSeconds <= 0 {
		return fmt.Errorf("downloader.timeout_seconds must be > 0")
	}
	if c.Downloader.MaxParallel < 0 {
		return fmt.Errorf("downloader.max_parallel must be >= 0")
	}
	return nil
}

func (c Config) validateMiddleware() error {
	for _, name := range c.EnabledDownloadMiddleware {
		if !slices.Contains(KnownMiddleware, name) {
			return fmt.Errorf("enabled_download_middleware: unknown middleware %q", name)
		}
	}
	if slices.Contains(c.EnabledDownloadMiddleware, MiddlewareRetry) {
		if c.Retry.MaxRetries < 0 {
			return fmt.Errorf("retry.max_retries must be >= 0")
		}
		if c.Retry.BackoffInitialMs < 0 || c.Retry.BackoffMaxMs < 0 {
			return fmt.Errorf("retry backoff must be >= 0")
		}
	}
	if slices.Contains(c.EnabledDownloadMiddleware, MiddlewareRateLimit) && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be > 0 when rate_limit is enabled")
	}
	return nil
}

func (c Config) validatePipelines() error {
	for _, name := range c.EnabledPipeline {
		if !slices.Contains(KnownPipelines, name) {
			return fmt.Errorf("enabled_pipeline: unknown pipeline %q", name)
		}
		if err := c.validatePipeline(name); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) validatePipeline(name string) error {
	p := c.Pipelines
	switch name {
	case PipelineRequiredFields:
		if len(p.RequiredFields) == 0 {
			return fmt.Errorf("pipelines.required_fields must list at least one field")
		}
	case PipelineJSONL:
		if strings.TrimSpace(p.JSONL.Dir) == "" {
			return fmt.Errorf("pipelines.jsonl.dir is required")
		}
	case PipelineSQLite:
		if strings.TrimSpace(p.SQLite.Dir) == "" {
			return fmt.Errorf("pipelines.sqlite.dir is required")
		}
		if err := p.SQLite.validate("pipelines.sqlite"); err != nil {
			return err
		}
	case PipelineGCS:
		if p.GCS.Bucket == "" {
			return fmt.Errorf("pipelines.gcs.bucket is required")
		}
	case PipelinePostgres:
		if p.Postgres.DSN == "" {
			return fmt.Errorf("pipelines.postgres.dsn is required")
		}
		if err := p.Postgres.validate("pipelines.postgres"); err != nil {
			return err
		}
	case PipelinePubSub:
		if p.PubSub.ProjectID == "" || p.PubSub.TopicID == "" {
			return fmt.Errorf("pipelines.pubsub.project_id and pipelines.pubsub.topic_id are required")
		}
	}
	return nil
}

// ReporterInterval returns the progress log period.
func (c Config) ReporterInterval() time.Duration {
	return time.Duration(c.ReporterIntervalSeconds) * time.Second
}

// ShutdownTimeout bounds collaborator teardown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// FetchTimeout converts the downloader timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Downloader.TimeoutSeconds) * time.Second
}

func (b BatchConfig) validate(prefix string) error {
	if b.BatchSize < 0 || b.BatchBytes < 0 {
		return fmt.Errorf("%s.batch_size and %s.batch_bytes must be >= 0", prefix, prefix)
	}
	return nil
}
