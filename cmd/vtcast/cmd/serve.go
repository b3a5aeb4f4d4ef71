package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vtcast/internal/asset"
	"github.com/jmylchreest/vtcast/internal/broadcast"
	"github.com/jmylchreest/vtcast/internal/compositor"
	"github.com/jmylchreest/vtcast/internal/config"
	"github.com/jmylchreest/vtcast/internal/encoder"
	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/vtcast/internal/http"
	"github.com/jmylchreest/vtcast/internal/http/handlers"
	"github.com/jmylchreest/vtcast/internal/muxer"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/pipeline"
	"github.com/jmylchreest/vtcast/internal/rtmp"
	"github.com/jmylchreest/vtcast/internal/scene"
	"github.com/jmylchreest/vtcast/internal/scheduler"
	"github.com/jmylchreest/vtcast/internal/state"
	"github.com/jmylchreest/vtcast/internal/sysstats"
	"github.com/jmylchreest/vtcast/internal/version"
	"github.com/jmylchreest/vtcast/internal/workerpool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vtcast server",
	Long: `Start compositing the configured scene and streaming it.

The server runs:
- the frame loop, encoder and output fan-out
- the RTMP ingest endpoint (rtmp.enabled)
- the operations API with health, status and stream key management
- Prometheus metrics at /metrics (metrics.enabled)
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "HTTP host to bind to")
	serveCmd.Flags().Int("port", 8080, "HTTP port to listen on")
	serveCmd.Flags().Int("rtmp-port", 1935, "RTMP ingest port")
	serveCmd.Flags().String("database", "vtcast.db", "Database DSN")
	serveCmd.Flags().String("scene", "scene.yaml", "Scene file")
	serveCmd.Flags().Int("fps", 30, "Target frames per second")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("rtmp.port", serveCmd.Flags().Lookup("rtmp-port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("scene.path", serveCmd.Flags().Lookup("scene"))
	mustBindPFlag("render.fps", serveCmd.Flags().Lookup("fps"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := appLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	bus := events.NewBus()
	defer func() { _ = bus.Close() }()

	liveness := state.NewManager(nil)
	liveness.OnChange(func(prev, next state.Status) {
		logger.Info("stream liveness changed",
			slog.String("stream_id", next.StreamID),
			slog.Bool("live", next.Live),
			slog.String("reason", next.Reason))
	})

	db, keys, err := openKeyService(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()

	engine, pool, err := buildRenderer(cfg, logger, metrics)
	if err != nil {
		return err
	}

	width, height := cfg.OutputSize()
	format, err := pipeline.ParseFormat(cfg.Pipeline.Format)
	if err != nil {
		return fmt.Errorf("parsing pipeline format: %w", err)
	}
	pipe, err := pipeline.New(pipeline.Config{
		Width:        width,
		Height:       height,
		Format:       format,
		Quality:      pipeline.Quality(cfg.Pipeline.Quality),
		MaxQueueSize: cfg.Pipeline.MaxQueueSize,
		PoolSize:     cfg.Pipeline.PoolSize,
	}, logger, metrics, bus)
	if err != nil {
		return fmt.Errorf("creating frame pipeline: %w", err)
	}

	enc, err := buildEncoder(ctx, cfg, width, height, format, logger, metrics, bus)
	if err != nil {
		return err
	}

	targets := make([]muxer.Target, 0, len(cfg.Muxer.Outputs))
	for _, o := range cfg.Muxer.Outputs {
		targets = append(targets, muxer.Target{ID: o.ID, URL: o.URL, Enabled: o.Enabled})
	}
	mux, err := muxer.New(muxer.Config{
		MaxQueueSize:    cfg.Muxer.MaxQueueSize,
		OutputQueueSize: cfg.Muxer.OutputQueueSize,
		RetryAttempts:   cfg.Muxer.RetryAttempts,
		RetryDelay:      cfg.Muxer.RetryDelay,
		OutputTimeout:   cfg.Muxer.OutputTimeout,
	}, targets, muxer.RTMPSinkFactory(cfg.Muxer.ChunkSize, logger), logger, metrics, bus)
	if err != nil {
		return fmt.Errorf("creating muxer: %w", err)
	}

	scenes, watchScene := loadScene(cfg.Scene, logger)

	directorCfg := broadcast.DefaultConfig()
	directorCfg.FPS = cfg.Render.FPS
	directorCfg.Preview = cfg.Render.Preview
	components := broadcast.Components{
		Scenes:   scenes,
		Renderer: engine,
		Pipeline: pipe,
		Encoder:  enc,
		Muxer:    mux,
		State:    liveness,
		Bus:      bus,
	}
	if cfg.Render.UseWorkerPool {
		engine.SetRunner(pool)
		components.Pool = pool
	}
	director, err := broadcast.New(directorCfg, components, logger, metrics)
	if err != nil {
		return fmt.Errorf("creating director: %w", err)
	}

	var ingest *rtmp.Server
	if cfg.RTMP.Enabled {
		ingest = rtmp.New(rtmp.Config{
			Addr:         cfg.RTMP.Address(),
			App:          cfg.RTMP.App,
			ChunkSize:    cfg.RTMP.ChunkSize,
			GOPCache:     cfg.RTMP.GOPCache,
			GOPCacheSize: rtmp.DefaultConfig().GOPCacheSize,
			PingInterval: cfg.RTMP.PingInterval,
			PingTimeout:  cfg.RTMP.PingTimeout,
		}, keys, logger, metrics, bus)
		for _, k := range cfg.RTMP.DevStreamKeys {
			ingest.AddStreamKey(k)
		}
		if len(cfg.RTMP.DevStreamKeys) > 0 {
			logger.Warn("development stream keys accepted without validation",
				slog.Int("count", len(cfg.RTMP.DevStreamKeys)))
		}
	}

	host := sysstats.NewCollector(filepath.Dir(cfg.Scene.Path))
	sched := scheduler.NewScheduler().WithLogger(logger)
	if cfg.Scheduler.Enabled {
		if err := sched.Register(scheduler.JobKeySweep, cfg.StreamKeys.SweepSchedule, scheduler.KeySweepJob(keys, logger)); err != nil {
			return fmt.Errorf("scheduling key sweep: %w", err)
		}
		if err := sched.Register(scheduler.JobHostStats, cfg.Scheduler.HostStatsSchedule, scheduler.HostStatsJob(host, metrics)); err != nil {
			return fmt.Errorf("scheduling host stats: %w", err)
		}
	}

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, logger, version.Version)

	api := server.API()
	handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithHostSampler(host).
		WithLiveness(liveness, directorCfg.StreamID).
		Register(api)
	handlers.NewStreamHandler(directorCfg.StreamID, liveness, enc, pipe, director, bus).Register(api)
	handlers.NewOutputHandler(mux).Register(api)
	handlers.NewWorkerHandler(pool).Register(api)
	handlers.NewStreamKeyHandler(keys).Register(api)
	if ingest != nil {
		handlers.NewRTMPHandler(ingest).Register(api)
	}
	if cfg.Metrics.Enabled {
		server.MountMetrics(cfg.Metrics.Path, metrics, pool.PublishMetrics)
	}

	logger.Info("starting vtcast",
		slog.String("version", version.Version),
		slog.String("http", cfg.Server.Address()),
		slog.Int("width", width),
		slog.Int("height", height),
		slog.Int("fps", cfg.Render.FPS),
		slog.Int("outputs", len(targets)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := director.Run(gctx); err != nil {
			return fmt.Errorf("running director: %w", err)
		}
		return nil
	})
	g.Go(func() error { return server.ListenAndServe(gctx) })
	if ingest != nil {
		g.Go(func() error { return ingest.ListenAndServe(gctx) })
	}
	if watchScene {
		watcher := scene.NewWatcher(cfg.Scene.Path, scenes, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("vtcast stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("vtcast stopped")
	return nil
}

// buildRenderer creates the compositor and the worker pool that executes
// its tasks.
func buildRenderer(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*compositor.Engine, *workerpool.Pool, error) {
	bg, err := compositor.ParseColor(cfg.Render.Background)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing render background: %w", err)
	}

	assetCfg := asset.DefaultFileProviderConfig(cfg.Scene.AssetDir)
	assetCfg.CacheTTL = cfg.Render.CacheTTL
	provider, err := asset.NewFileProvider(assetCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating asset provider: %w", err)
	}

	engine, err := compositor.New(compositor.Config{
		Width:      cfg.Render.Width,
		Height:     cfg.Render.Height,
		Background: bg,
		CacheTTL:   cfg.Render.CacheTTL,
		CacheSize:  cfg.Render.CacheSize,
	}, provider, logger, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("creating compositor: %w", err)
	}

	pool := workerpool.New(workerpool.Config{
		MinWorkers:      cfg.Workers.MinWorkers,
		MaxWorkers:      cfg.Workers.MaxWorkers,
		QueueSize:       cfg.Workers.QueueSize,
		TaskTimeout:     cfg.Workers.TaskTimeout,
		MaxRetries:      cfg.Workers.MaxRetries,
		ShutdownTimeout: cfg.Workers.ShutdownTimeout,
	}, engine, logger, metrics)

	return engine, pool, nil
}

// buildEncoder creates the encoder, probing the ffmpeg binary first so a
// missing encoder or backend is reported before the first frame.
func buildEncoder(ctx context.Context, cfg *config.Config, width, height int, format pipeline.Format, logger *slog.Logger, metrics *observability.Metrics, bus events.Publisher) (*encoder.Encoder, error) {
	accel, err := ffmpeg.ParseHWAccel(cfg.Encoder.HWAccel)
	if err != nil {
		return nil, fmt.Errorf("parsing encoder hwaccel: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := ffmpeg.NewBinaryDetector(cfg.Encoder.FFmpegPath).Detect(probeCtx)
	switch {
	case err != nil:
		logger.Warn("ffmpeg not usable, encoder will retry at start", slog.String("error", err.Error()))
	default:
		name := ffmpeg.EncoderName(cfg.Encoder.Codec, accel)
		logger.Info("ffmpeg detected",
			slog.String("path", info.Path),
			slog.String("version", info.Version),
			slog.String("encoder", name))
		if !info.HasEncoder(name) {
			logger.Warn("ffmpeg lacks the configured encoder", slog.String("encoder", name))
		}
		if accel != ffmpeg.HWAccelNone && !info.HasHWAccel(string(accel)) {
			logger.Warn("ffmpeg lacks the configured hardware backend", slog.String("hwaccel", string(accel)))
		}
	}

	return encoder.New(encoder.Config{
		Binary:             cfg.Encoder.FFmpegPath,
		Width:              width,
		Height:             height,
		FPS:                cfg.Render.FPS,
		InputFormat:        format,
		Codec:              cfg.Encoder.Codec,
		Bitrate:            cfg.Encoder.Bitrate,
		Preset:             cfg.Encoder.Preset,
		KeyframeInterval:   cfg.Encoder.KeyframeInterval,
		HWAccel:            accel,
		HWDevice:           cfg.Encoder.HWAccelDevice,
		Audio:              cfg.Encoder.Audio,
		MaxRestartAttempts: cfg.Encoder.MaxRestartAttempts,
		RestartDelay:       cfg.Encoder.RestartDelay,
		MinRunTime:         cfg.Encoder.MinRunTime,
		StopTimeout:        cfg.Encoder.StopTimeout,
		StatsInterval:      cfg.Encoder.StatsInterval,
		StderrLines:        encoder.DefaultConfig().StderrLines,
	}, logger, metrics, bus), nil
}

// loadScene loads the configured scene, falling back to the default scene
// when the file cannot be read. It reports whether the file should be watched.
func loadScene(cfg config.SceneConfig, logger *slog.Logger) (*scene.Store, bool) {
	sc, err := scene.Load(cfg.Path)
	if err != nil {
		logger.Warn("scene not loaded, rendering the default scene",
			slog.String("path", cfg.Path),
			slog.String("error", err.Error()))
		return scene.NewStore(scene.Default()), false
	}
	logger.Info("scene loaded", slog.String("scene_id", sc.ID), slog.String("path", cfg.Path))
	return scene.NewStore(sc), cfg.Watch
}
