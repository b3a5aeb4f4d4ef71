// Package broadcast drives the program output: it renders the current scene at
// the target frame rate and moves each frame through the pipeline, the encoder
// and the output muxer.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vtcast/internal/encoder"
	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/media"
	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/pipeline"
	"github.com/jmylchreest/vtcast/internal/state"
)

var (
	// ErrAlreadyRunning is returned by Run while a previous Run is active.
	ErrAlreadyRunning = errors.New("director already running")

	// ErrStopped is returned by Run after Stop.
	ErrStopped = errors.New("director stopped")

	// ErrMissingComponent is returned by New when a required component is nil.
	ErrMissingComponent = errors.New("missing component")
)

// Drop stages reported in Stats.
const (
	StageRender   = "render"
	StagePipeline = "pipeline"
	StageEncoder  = "encoder"
	StageMuxer    = "muxer"
)

const subscriberID = "director"

// Renderer composites a scene into an RGBA buffer.
type Renderer interface {
	RenderScene(ctx context.Context, scene *models.Scene) ([]byte, error)
	Dimensions() (int, int)
}

// SceneSource returns the scene snapshot to render.
type SceneSource interface {
	Current() (*models.Scene, error)
}

// FrameProcessor converts rendered frames into encoder input.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, in *pipeline.Frame) (*pipeline.Frame, error)
	Cleanup()
}

// StreamEncoder accepts raw frames and emits encoded packets.
type StreamEncoder interface {
	OnPacket(fn func(media.Packet))
	Start(ctx context.Context) error
	SendFrame(ctx context.Context, data []byte) error
	Stop(ctx context.Context) error
}

// StreamMuxer fans encoded packets out to the outputs.
type StreamMuxer interface {
	Start(ctx context.Context) error
	ProcessFrame(p media.Packet) error
	Cleanup()
}

// WorkerPool runs render tasks.
type WorkerPool interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// EventBus is the part of events.Bus the director uses.
type EventBus interface {
	events.Publisher
	Subscribe(id string, buffer int, kinds ...events.Kind) (<-chan events.Event, error)
	Unsubscribe(id string) error
}

// Components are the collaborators a Director drives. Pool and Bus are
// optional; everything else is required.
type Components struct {
	Scenes   SceneSource
	Renderer Renderer
	Pipeline FrameProcessor
	Encoder  StreamEncoder
	Muxer    StreamMuxer
	Pool     WorkerPool
	State    *state.Manager
	Bus      EventBus
}

// Config configures a Director.
type Config struct {
	// StreamID is the liveness key of the program output.
	StreamID string
	FPS      int
	// Preview attaches a pixel copy to every FrameProduced event.
	Preview bool
	// FrameTimeout bounds one pass through render, pipeline and encoder.
	FrameTimeout time.Duration
	// StopTimeout bounds teardown when Run returns.
	StopTimeout time.Duration
}

// DefaultConfig returns a 30 fps configuration for the "program" stream.
func DefaultConfig() Config {
	return Config{
		StreamID:     "program",
		FPS:          30,
		FrameTimeout: time.Second,
		StopTimeout:  10 * time.Second,
	}
}

// Stats is a snapshot of the frame loop counters.
type Stats struct {
	Running     bool              `json:"running"`
	TargetFPS   int               `json:"target_fps"`
	AchievedFPS float64           `json:"achieved_fps"`
	Frames      uint64            `json:"frames"`
	Packets     uint64            `json:"packets"`
	Skipped     uint64            `json:"ticks_skipped"`
	Drops       map[string]uint64 `json:"drops"`
	LastFrameAt time.Time         `json:"last_frame_at,omitempty"`
}

// Director owns the frame loop and the lifecycle of the streaming components.
type Director struct {
	cfg     Config
	c       Components
	logger  *slog.Logger
	metrics *observability.Metrics
	pub     events.Publisher

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error

	seq     atomic.Uint64
	frames  atomic.Uint64
	packets atomic.Uint64
	skipped atomic.Uint64
	fps     atomic.Uint64 // float64 bits
	last    atomic.Int64

	dropMu sync.Mutex
	drops  map[string]uint64

	// ingest maps RTMP connection ids to the stream they publish.
	ingest map[string]string
}

// New validates the components and returns a Director that has not started.
func New(cfg Config, c Components, logger *slog.Logger, metrics *observability.Metrics) (*Director, error) {
	switch {
	case c.Scenes == nil:
		return nil, fmt.Errorf("%w: scene source", ErrMissingComponent)
	case c.Renderer == nil:
		return nil, fmt.Errorf("%w: renderer", ErrMissingComponent)
	case c.Pipeline == nil:
		return nil, fmt.Errorf("%w: frame pipeline", ErrMissingComponent)
	case c.Encoder == nil:
		return nil, fmt.Errorf("%w: encoder", ErrMissingComponent)
	case c.Muxer == nil:
		return nil, fmt.Errorf("%w: muxer", ErrMissingComponent)
	case c.State == nil:
		return nil, fmt.Errorf("%w: state manager", ErrMissingComponent)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %d", cfg.FPS)
	}

	def := DefaultConfig()
	if cfg.StreamID == "" {
		cfg.StreamID = def.StreamID
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = def.FrameTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	d := &Director{
		cfg:     cfg,
		c:       c,
		logger:  observability.WithComponent(logger, "director"),
		metrics: metrics,
		pub:     events.Discard,
		drops:   make(map[string]uint64),
		ingest:  make(map[string]string),
	}
	if c.Bus != nil {
		d.pub = c.Bus
	}
	return d, nil
}

// Run starts every component, ticks the frame loop at the target fps until
// ctx ends or Stop is called, then tears the components down.
func (d *Director) Run(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.stopped:
		d.mu.Unlock()
		return ErrStopped
	case d.running:
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(done)
	}()

	g, gctx := errgroup.WithContext(ctx)
	if d.c.Bus != nil {
		// Subscribe before starting so the encoder's first transition is seen.
		sub, err := d.c.Bus.Subscribe(subscriberID, 64,
			events.KindEncoderStateChanged,
			events.KindEncoderFatal,
			events.KindRTMPPublishStarted,
			events.KindRTMPDisconnected,
		)
		if err != nil {
			d.logger.Warn("event subscription failed, liveness will not track the encoder",
				slog.String("error", err.Error()))
		} else {
			defer func() { _ = d.c.Bus.Unsubscribe(subscriberID) }()
			g.Go(func() error {
				d.watch(gctx, sub)
				return nil
			})
		}
	}

	if err := d.start(ctx); err != nil {
		cancel()
		_ = g.Wait()
		_ = d.teardown()
		return err
	}
	d.c.State.SetLive(d.cfg.StreamID)

	g.Go(func() error {
		d.loop(gctx)
		return nil
	})

	d.logger.Info("director started",
		slog.String("stream_id", d.cfg.StreamID),
		slog.Int("fps", d.cfg.FPS),
		slog.Bool("preview", d.cfg.Preview))

	err := g.Wait()
	if stopErr := d.teardown(); err == nil {
		err = stopErr
	}
	d.c.State.SetDown(d.cfg.StreamID, "stopped")
	d.logger.Info("director stopped", slog.Uint64("frames", d.frames.Load()))
	return err
}

func (d *Director) start(ctx context.Context) error {
	if d.c.Pool != nil {
		if err := d.c.Pool.Start(ctx); err != nil {
			return fmt.Errorf("starting worker pool: %w", err)
		}
	}
	d.c.Encoder.OnPacket(d.route)
	if err := d.c.Muxer.Start(ctx); err != nil {
		return fmt.Errorf("starting muxer: %w", err)
	}
	if err := d.c.Encoder.Start(ctx); err != nil {
		return fmt.Errorf("starting encoder: %w", err)
	}
	return nil
}

// route hands one encoded packet to the muxer. The muxer counts its own drops.
func (d *Director) route(p media.Packet) {
	d.packets.Add(1)
	if err := d.c.Muxer.ProcessFrame(p); err != nil {
		d.recordDrop(StageMuxer)
	}
}

// Stop ends the frame loop and tears the components down in reverse start
// order. It is safe to call more than once and before Run.
func (d *Director) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.teardown()
}

// teardown stops muxer, encoder, pipeline and pool exactly once.
func (d *Director) teardown() error {
	d.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout)
		defer cancel()

		d.c.Muxer.Cleanup()
		var errs []error
		if err := d.c.Encoder.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping encoder: %w", err))
		}
		d.c.Encoder.OnPacket(nil)
		d.c.Pipeline.Cleanup()
		if d.c.Pool != nil {
			if err := d.c.Pool.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stopping worker pool: %w", err))
			}
		}
		d.stopErr = errors.Join(errs...)
	})
	return d.stopErr
}

// loop runs one frame per slot. A slot that passes while the previous frame
// is still running is skipped rather than rendered late.
func (d *Director) loop(ctx context.Context) {
	interval := time.Second / time.Duration(d.cfg.FPS)
	timer := time.NewTimer(0)
	defer timer.Stop()

	next := time.Now()
	windowStart, windowFrames := next, d.frames.Load()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		d.tick(ctx)

		now := time.Now()
		next = next.Add(interval)
		if late := now.Sub(next); late >= 0 {
			missed := int(late/interval) + 1
			next = next.Add(time.Duration(missed) * interval)
			d.skipped.Add(uint64(missed))
			d.metrics.AddTicksSkipped(missed)
		}

		if elapsed := now.Sub(windowStart); elapsed >= time.Second {
			frames := d.frames.Load()
			fps := float64(frames-windowFrames) / elapsed.Seconds()
			d.setFPS(fps)
			windowStart, windowFrames = now, frames
		}

		timer.Reset(time.Until(next))
	}
}

// tick renders, converts and encodes one frame.
func (d *Director) tick(ctx context.Context) {
	sc, err := d.c.Scenes.Current()
	if err != nil {
		d.dropFrame(StageRender, "no_scene", err)
		return
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, d.cfg.FrameTimeout)
	defer cancel()

	pixels, err := d.c.Renderer.RenderScene(ctx, sc)
	if err != nil {
		if parent.Err() != nil {
			return
		}
		d.dropFrame(StageRender, "render_failed", err)
		return
	}

	width, height := d.c.Renderer.Dimensions()
	in := pipeline.NewFrame(pixels, width, height)
	in.Seq = d.seq.Add(1)

	out, err := d.c.Pipeline.ProcessFrame(ctx, in)
	if err != nil {
		// The pipeline reports its own drops to metrics and the bus.
		d.recordDrop(StagePipeline)
		d.logger.Debug("frame not converted",
			slog.Uint64("seq", in.Seq),
			slog.String("error", err.Error()))
		return
	}

	err = d.c.Encoder.SendFrame(ctx, out.Data)
	if err != nil {
		out.Release()
		reason := "write_failed"
		if errors.Is(err, encoder.ErrNotStreaming) || errors.Is(err, encoder.ErrNotStarted) {
			reason = "not_streaming"
		}
		d.dropFrame(StageEncoder, reason, err)
		return
	}

	produced := events.FrameProduced{
		Seq:    out.Seq,
		Width:  out.Width,
		Height: out.Height,
		Format: string(out.Format),
		At:     out.Timestamp,
	}
	if d.cfg.Preview {
		produced.Pixels = append([]byte(nil), out.Data...)
	}
	out.Release()

	d.frames.Add(1)
	d.last.Store(produced.At.UnixNano())
	d.pub.Publish(produced)
}

func (d *Director) setFPS(fps float64) {
	d.fps.Store(math.Float64bits(fps))
	d.metrics.SetRenderFPS(fps)
}

func (d *Director) achievedFPS() float64 {
	return math.Float64frombits(d.fps.Load())
}

func (d *Director) dropFrame(stage, reason string, err error) {
	d.recordDrop(stage)
	d.metrics.IncFramesDropped(stage, reason)
	d.pub.Publish(events.FrameDropped{Stage: stage, Reason: reason, At: time.Now()})
	d.logger.Debug("frame dropped",
		slog.String("stage", stage),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
}

func (d *Director) recordDrop(stage string) {
	d.dropMu.Lock()
	d.drops[stage]++
	d.dropMu.Unlock()
}

// watch reports encoder and ingest transitions to the state manager.
func (d *Director) watch(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			d.handle(ev)
		}
	}
}

func (d *Director) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.EncoderStateChanged:
		// A restart is transient and leaves the program live. Only a fatal
		// encoder failure or an operator stop takes it down.
		if e.To == encoder.StateStreaming.String() {
			d.c.State.SetLive(d.cfg.StreamID)
		}
	case events.EncoderFatal:
		reason := "encoder failed"
		if e.Err != nil {
			reason = "encoder failed: " + e.Err.Error()
		}
		d.c.State.SetDown(d.cfg.StreamID, reason)
		d.logger.Error("encoder gave up, program is down",
			slog.Int("attempts", e.Attempts),
			slog.String("reason", reason))
	case events.RTMPPublishStarted:
		id := IngestStreamID(e.StreamID)
		d.ingest[e.ConnID] = id
		d.c.State.SetLive(id)
	case events.RTMPDisconnected:
		if id, ok := d.ingest[e.ConnID]; ok {
			delete(d.ingest, e.ConnID)
			d.c.State.SetDown(id, "publisher disconnected")
		}
	}
}

// IngestStreamID is the liveness key of an RTMP ingest stream.
func IngestStreamID(streamID string) string {
	return "ingest:" + streamID
}

// Stats returns a snapshot of the frame loop counters.
func (d *Director) Stats() Stats {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	s := Stats{
		Running:     running,
		TargetFPS:   d.cfg.FPS,
		AchievedFPS: d.achievedFPS(),
		Frames:      d.frames.Load(),
		Packets:     d.packets.Load(),
		Skipped:     d.skipped.Load(),
		Drops:       make(map[string]uint64),
	}
	if ns := d.last.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}

	d.dropMu.Lock()
	for stage, n := range d.drops {
		s.Drops[stage] = n
	}
	d.dropMu.Unlock()
	return s
}
