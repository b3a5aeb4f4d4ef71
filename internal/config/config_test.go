package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "test.db",
			MaxOpenConns: 25,
			MaxIdleConns: 10,
			LogLevel:     "warn",
		},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Render:   RenderConfig{Width: 1280, Height: 720, FPS: 30},
		Encoder:  EncoderConfig{HWAccel: "none", MaxRestartAttempts: 3},
		Pipeline: PipelineConfig{MaxQueueSize: 10, PoolSize: 4, Quality: "medium", Format: "rgba"},
		RTMP:     RTMPConfig{Enabled: true, Port: 1935},
		Muxer: MuxerConfig{
			MaxQueueSize:  10,
			RetryAttempts: 3,
			Outputs: []OutputConfig{
				{ID: "primary", URL: "rtmp://live.example.com/app/key", Enabled: true},
			},
		},
		Workers:    WorkersConfig{MinWorkers: 1, MaxWorkers: 4, QueueSize: 10},
		StreamKeys: StreamKeysConfig{DefaultTTL: time.Hour},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// Database defaults
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "vtcast.db", cfg.Database.DSN)

	// Render defaults
	assert.Equal(t, 1920, cfg.Render.Width)
	assert.Equal(t, 1080, cfg.Render.Height)
	assert.Equal(t, 30, cfg.Render.FPS)
	assert.Equal(t, 5*time.Second, cfg.Render.CacheTTL)

	// Encoder defaults
	assert.Equal(t, "libx264", cfg.Encoder.Codec)
	assert.Equal(t, "4500k", cfg.Encoder.Bitrate)
	assert.Equal(t, 3, cfg.Encoder.MaxRestartAttempts)

	// Pipeline defaults
	assert.Equal(t, 30, cfg.Pipeline.MaxQueueSize)
	assert.Equal(t, "rgba", cfg.Pipeline.Format)

	// RTMP defaults
	assert.Equal(t, 1935, cfg.RTMP.Port)
	assert.Equal(t, uint32(4096), cfg.RTMP.ChunkSize)
	assert.Equal(t, "live", cfg.RTMP.App)
	assert.True(t, cfg.RTMP.GOPCache)

	// Muxer defaults
	assert.Empty(t, cfg.Muxer.Outputs)
	assert.Equal(t, 3, cfg.Muxer.RetryAttempts)

	// Stream key defaults
	assert.Equal(t, 30*24*time.Hour, cfg.StreamKeys.DefaultTTL)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090

render:
  width: 1280
  height: 720
  fps: 60

encoder:
  codec: "h264_nvenc"
  hwaccel: "nvenc"
  restart_delay: 2s

muxer:
  retry_attempts: 5
  outputs:
    - id: twitch
      url: rtmp://live.twitch.tv/app/abc
      enabled: true
    - id: youtube
      url: rtmp://a.rtmp.youtube.com/live2/def
      enabled: false
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 1280, cfg.Render.Width)
	assert.Equal(t, 60, cfg.Render.FPS)
	assert.Equal(t, "h264_nvenc", cfg.Encoder.Codec)
	assert.Equal(t, "nvenc", cfg.Encoder.HWAccel)
	assert.Equal(t, 2*time.Second, cfg.Encoder.RestartDelay)
	assert.Equal(t, 5, cfg.Muxer.RetryAttempts)
	require.Len(t, cfg.Muxer.Outputs, 2)
	assert.Equal(t, "twitch", cfg.Muxer.Outputs[0].ID)
	assert.True(t, cfg.Muxer.Outputs[0].Enabled)
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/def", cfg.Muxer.Outputs[1].URL)
	assert.False(t, cfg.Muxer.Outputs[1].Enabled)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VTCAST_SERVER_PORT", "3000")
	t.Setenv("VTCAST_RTMP_PORT", "1936")
	t.Setenv("VTCAST_WORKERS_QUEUE_SIZE", "5")
	t.Setenv("VTCAST_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 1936, cfg.RTMP.Port)
	assert.Equal(t, 5, cfg.Workers.QueueSize)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"zero fps", func(c *Config) { c.Render.FPS = 0 }, "render.fps"},
		{"negative width", func(c *Config) { c.Render.Width = -1 }, "render.width"},
		{"unknown hwaccel", func(c *Config) { c.Encoder.HWAccel = "amf" }, "encoder.hwaccel"},
		{"zero pipeline queue", func(c *Config) { c.Pipeline.MaxQueueSize = 0 }, "pipeline.max_queue_size"},
		{"bad pixel format", func(c *Config) { c.Pipeline.Format = "yuv444p" }, "pipeline.format"},
		{"bad quality", func(c *Config) { c.Pipeline.Quality = "ultra" }, "pipeline.quality"},
		{"rtmp port too high", func(c *Config) { c.RTMP.Port = 70000 }, "rtmp.port"},
		{"output without id", func(c *Config) { c.Muxer.Outputs[0].ID = "" }, "muxer.outputs[0].id"},
		{"output with http url", func(c *Config) { c.Muxer.Outputs[0].URL = "http://example.com" }, "rtmp://"},
		{"duplicate output", func(c *Config) {
			c.Muxer.Outputs = append(c.Muxer.Outputs, c.Muxer.Outputs[0])
		}, "duplicated"},
		{"max below min workers", func(c *Config) { c.Workers.MaxWorkers = 0 }, "workers.max_workers"},
		{"zero key ttl", func(c *Config) { c.StreamKeys.DefaultTTL = 0 }, "stream_keys.default_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidate_RTMPDisabledIgnoresPort(t *testing.T) {
	cfg := validTestConfig()
	cfg.RTMP.Enabled = false
	cfg.RTMP.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfig_OutputSize(t *testing.T) {
	cfg := validTestConfig()
	w, h := cfg.OutputSize()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	cfg.Pipeline.Width, cfg.Pipeline.Height = 640, 360
	w, h = cfg.OutputSize()
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)
}

func TestServerConfig_Address(t *testing.T) {
	cfg := &ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", cfg.Address())

	rtmpCfg := &RTMPConfig{Host: "0.0.0.0", Port: 1935}
	assert.Equal(t, "0.0.0.0:1935", rtmpCfg.Address())
}
