// Package config provides configuration management for vtcast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8080
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 10
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultWidth              = 1920
	defaultHeight             = 1080
	defaultFPS                = 30
	defaultRenderCacheTTL     = 5 * time.Second
	defaultRenderCacheSize    = 256
	defaultRestartAttempts    = 3
	defaultRestartDelay       = 5 * time.Second
	defaultMinRunTime         = 30 * time.Second
	defaultStopTimeout        = 5 * time.Second
	defaultStatsInterval      = 5 * time.Second
	defaultFrameQueueSize     = 30
	defaultFramePoolSize      = 8
	defaultRTMPPort           = 1935
	defaultRTMPChunkSize      = 4096
	defaultPingInterval       = 30 * time.Second
	defaultPingTimeout        = 60 * time.Second
	defaultMuxerQueueSize     = 120
	defaultOutputQueueSize    = 60
	defaultRetryAttempts      = 3
	defaultRetryDelay         = 5 * time.Second
	defaultOutputTimeout      = 5 * time.Second
	defaultMinWorkers         = 2
	defaultMaxWorkers         = 8
	defaultWorkerQueueSize    = 100
	defaultTaskTimeout        = 5 * time.Second
	defaultTaskRetries        = 2
	defaultStreamKeyTTL       = 30 * 24 * time.Hour
	defaultKeySweepSchedule   = "0 */5 * * * *"
	defaultHostStatsSchedule  = "*/15 * * * * *"
	defaultWorkerShutdownWait = 5 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Render     RenderConfig     `mapstructure:"render"`
	Encoder    EncoderConfig    `mapstructure:"encoder"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	RTMP       RTMPConfig       `mapstructure:"rtmp"`
	Muxer      MuxerConfig      `mapstructure:"muxer"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	StreamKeys StreamKeysConfig `mapstructure:"stream_keys"`
	Scene      SceneConfig      `mapstructure:"scene"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// RenderConfig holds scene compositing configuration.
type RenderConfig struct {
	Width      int           `mapstructure:"width"`
	Height     int           `mapstructure:"height"`
	FPS        int           `mapstructure:"fps"`
	Background string        `mapstructure:"background"` // #RRGGBB
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	CacheSize  int           `mapstructure:"cache_size"`
	// UseWorkerPool delegates per-asset rendering to the worker pool.
	UseWorkerPool bool `mapstructure:"use_worker_pool"`
	// Preview attaches a pixel copy to every frame produced event.
	Preview bool `mapstructure:"preview"`
}

// EncoderConfig holds encoder subprocess configuration.
type EncoderConfig struct {
	FFmpegPath         string        `mapstructure:"ffmpeg_path"` // empty = $PATH lookup
	Codec              string        `mapstructure:"codec"`
	Bitrate            string        `mapstructure:"bitrate"`
	Preset             string        `mapstructure:"preset"`
	HWAccel            string        `mapstructure:"hwaccel"` // none, vaapi, nvenc, qsv, videotoolbox
	HWAccelDevice      string        `mapstructure:"hwaccel_device"`
	KeyframeInterval   int           `mapstructure:"keyframe_interval"` // frames, 0 = 2x fps
	Audio              bool          `mapstructure:"audio"`             // mux a silent AAC track
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts"`
	RestartDelay       time.Duration `mapstructure:"restart_delay"`
	MinRunTime         time.Duration `mapstructure:"min_run_time"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	StatsInterval      time.Duration `mapstructure:"stats_interval"`
}

// PipelineConfig holds frame pipeline configuration.
type PipelineConfig struct {
	MaxQueueSize int    `mapstructure:"max_queue_size"`
	PoolSize     int    `mapstructure:"pool_size"`
	Quality      string `mapstructure:"quality"` // low, medium, high
	Format       string `mapstructure:"format"`  // rgba, bgra, rgb24
	Width        int    `mapstructure:"width"`   // 0 = render width
	Height       int    `mapstructure:"height"`  // 0 = render height
}

// RTMPConfig holds RTMP ingest configuration.
type RTMPConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	App           string        `mapstructure:"app"`
	ChunkSize     uint32        `mapstructure:"chunk_size"`
	GOPCache      bool          `mapstructure:"gop_cache"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
	DevStreamKeys []string      `mapstructure:"dev_stream_keys"`
}

// MuxerConfig holds output fan-out configuration.
type MuxerConfig struct {
	Outputs         []OutputConfig `mapstructure:"outputs"`
	MaxQueueSize    int            `mapstructure:"max_queue_size"`
	OutputQueueSize int            `mapstructure:"output_queue_size"`
	RetryAttempts   int            `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration  `mapstructure:"retry_delay"`
	OutputTimeout   time.Duration  `mapstructure:"output_timeout"`
	ChunkSize       uint32         `mapstructure:"chunk_size"`
}

// OutputConfig describes a single RTMP destination.
type OutputConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	URL     string `mapstructure:"url" yaml:"url"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// WorkersConfig holds render worker pool configuration.
type WorkersConfig struct {
	MinWorkers      int           `mapstructure:"min_workers"`
	MaxWorkers      int           `mapstructure:"max_workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StreamKeysConfig holds stream key issuance configuration.
type StreamKeysConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	AliasSecret   string        `mapstructure:"alias_secret"` // empty = random per process
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

// SceneConfig holds scene source configuration.
type SceneConfig struct {
	Path     string `mapstructure:"path"`
	AssetDir string `mapstructure:"asset_dir"`
	Watch    bool   `mapstructure:"watch"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SchedulerConfig holds periodic maintenance configuration.
type SchedulerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	HostStatsSchedule string `mapstructure:"host_stats_schedule"` // 6-field cron expression
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VTCAST_ and use underscores for nesting.
// Example: VTCAST_RTMP_PORT=1936.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vtcast")
		v.AddConfigPath("$HOME/.vtcast")
	}

	v.SetEnvPrefix("VTCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vtcast.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Render defaults
	v.SetDefault("render.width", defaultWidth)
	v.SetDefault("render.height", defaultHeight)
	v.SetDefault("render.fps", defaultFPS)
	v.SetDefault("render.background", "#000000")
	v.SetDefault("render.cache_ttl", defaultRenderCacheTTL)
	v.SetDefault("render.cache_size", defaultRenderCacheSize)
	v.SetDefault("render.use_worker_pool", true)
	v.SetDefault("render.preview", false)

	// Encoder defaults
	v.SetDefault("encoder.ffmpeg_path", "")
	v.SetDefault("encoder.codec", "libx264")
	v.SetDefault("encoder.bitrate", "4500k")
	v.SetDefault("encoder.preset", "veryfast")
	v.SetDefault("encoder.hwaccel", "none")
	v.SetDefault("encoder.hwaccel_device", "")
	v.SetDefault("encoder.keyframe_interval", 0)
	v.SetDefault("encoder.audio", true)
	v.SetDefault("encoder.max_restart_attempts", defaultRestartAttempts)
	v.SetDefault("encoder.restart_delay", defaultRestartDelay)
	v.SetDefault("encoder.min_run_time", defaultMinRunTime)
	v.SetDefault("encoder.stop_timeout", defaultStopTimeout)
	v.SetDefault("encoder.stats_interval", defaultStatsInterval)

	// Pipeline defaults
	v.SetDefault("pipeline.max_queue_size", defaultFrameQueueSize)
	v.SetDefault("pipeline.pool_size", defaultFramePoolSize)
	v.SetDefault("pipeline.quality", "medium")
	v.SetDefault("pipeline.format", "rgba")
	v.SetDefault("pipeline.width", 0)
	v.SetDefault("pipeline.height", 0)

	// RTMP ingest defaults
	v.SetDefault("rtmp.enabled", true)
	v.SetDefault("rtmp.host", "0.0.0.0")
	v.SetDefault("rtmp.port", defaultRTMPPort)
	v.SetDefault("rtmp.app", "live")
	v.SetDefault("rtmp.chunk_size", defaultRTMPChunkSize)
	v.SetDefault("rtmp.gop_cache", true)
	v.SetDefault("rtmp.ping_interval", defaultPingInterval)
	v.SetDefault("rtmp.ping_timeout", defaultPingTimeout)
	v.SetDefault("rtmp.dev_stream_keys", []string{})

	// Muxer defaults
	v.SetDefault("muxer.outputs", []OutputConfig{})
	v.SetDefault("muxer.max_queue_size", defaultMuxerQueueSize)
	v.SetDefault("muxer.output_queue_size", defaultOutputQueueSize)
	v.SetDefault("muxer.retry_attempts", defaultRetryAttempts)
	v.SetDefault("muxer.retry_delay", defaultRetryDelay)
	v.SetDefault("muxer.output_timeout", defaultOutputTimeout)
	v.SetDefault("muxer.chunk_size", defaultRTMPChunkSize)

	// Worker pool defaults
	v.SetDefault("workers.min_workers", defaultMinWorkers)
	v.SetDefault("workers.max_workers", defaultMaxWorkers)
	v.SetDefault("workers.queue_size", defaultWorkerQueueSize)
	v.SetDefault("workers.task_timeout", defaultTaskTimeout)
	v.SetDefault("workers.max_retries", defaultTaskRetries)
	v.SetDefault("workers.shutdown_timeout", defaultWorkerShutdownWait)

	// Stream key defaults
	v.SetDefault("stream_keys.default_ttl", defaultStreamKeyTTL)
	v.SetDefault("stream_keys.alias_secret", "")
	v.SetDefault("stream_keys.sweep_schedule", defaultKeySweepSchedule)

	// Scene defaults
	v.SetDefault("scene.path", "scene.yaml")
	v.SetDefault("scene.asset_dir", "./assets")
	v.SetDefault("scene.watch", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.host_stats_schedule", defaultHostStatsSchedule)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Render.Width < 1 || c.Render.Height < 1 {
		return fmt.Errorf("render.width and render.height must be positive")
	}
	if c.Render.FPS < 1 || c.Render.FPS > 120 {
		return fmt.Errorf("render.fps must be between 1 and 120")
	}

	validHWAccel := map[string]bool{"": true, "none": true, "vaapi": true, "nvenc": true, "qsv": true, "videotoolbox": true}
	if !validHWAccel[c.Encoder.HWAccel] {
		return fmt.Errorf("encoder.hwaccel must be one of: none, vaapi, nvenc, qsv, videotoolbox")
	}
	if c.Encoder.MaxRestartAttempts < 0 {
		return fmt.Errorf("encoder.max_restart_attempts must not be negative")
	}

	if c.Pipeline.MaxQueueSize < 1 {
		return fmt.Errorf("pipeline.max_queue_size must be at least 1")
	}
	if c.Pipeline.PoolSize < 1 {
		return fmt.Errorf("pipeline.pool_size must be at least 1")
	}
	validQuality := map[string]bool{"low": true, "medium": true, "high": true}
	if !validQuality[c.Pipeline.Quality] {
		return fmt.Errorf("pipeline.quality must be one of: low, medium, high")
	}
	validPixFmt := map[string]bool{"rgba": true, "bgra": true, "rgb24": true}
	if !validPixFmt[c.Pipeline.Format] {
		return fmt.Errorf("pipeline.format must be one of: rgba, bgra, rgb24")
	}

	if c.RTMP.Enabled && (c.RTMP.Port < 1 || c.RTMP.Port > maxPort) {
		return fmt.Errorf("rtmp.port must be between 1 and %d", maxPort)
	}

	if c.Muxer.MaxQueueSize < 1 {
		return fmt.Errorf("muxer.max_queue_size must be at least 1")
	}
	if c.Muxer.RetryAttempts < 0 {
		return fmt.Errorf("muxer.retry_attempts must not be negative")
	}
	seen := make(map[string]bool, len(c.Muxer.Outputs))
	for i, out := range c.Muxer.Outputs {
		if out.ID == "" {
			return fmt.Errorf("muxer.outputs[%d].id is required", i)
		}
		if seen[out.ID] {
			return fmt.Errorf("muxer.outputs[%d].id %q is duplicated", i, out.ID)
		}
		seen[out.ID] = true
		u, err := url.Parse(out.URL)
		if err != nil || (u.Scheme != "rtmp" && u.Scheme != "rtmps") {
			return fmt.Errorf("muxer.outputs[%d].url must be an rtmp:// URL", i)
		}
	}

	if c.Workers.MinWorkers < 1 {
		return fmt.Errorf("workers.min_workers must be at least 1")
	}
	if c.Workers.MaxWorkers < c.Workers.MinWorkers {
		return fmt.Errorf("workers.max_workers must be >= workers.min_workers")
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("workers.queue_size must be at least 1")
	}

	if c.StreamKeys.DefaultTTL <= 0 {
		return fmt.Errorf("stream_keys.default_ttl must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the RTMP listen address in host:port format.
func (c *RTMPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OutputSize returns the pipeline output dimensions, falling back to the render size.
func (c *Config) OutputSize() (int, int) {
	w, h := c.Pipeline.Width, c.Pipeline.Height
	if w <= 0 || h <= 0 {
		return c.Render.Width, c.Render.Height
	}
	return w, h
}
