// Package pipeline resizes and converts composited frames on a single
// processing goroutine fed by a bounded queue. Output frames come from a fixed
// buffer pool and must be released by the consumer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/observability"
)

var (
	// ErrPipelineClosed is returned by ProcessFrame after Cleanup.
	ErrPipelineClosed = errors.New("frame pipeline closed")

	// ErrQueueFull is returned when a frame is dropped because the queue is full.
	ErrQueueFull = errors.New("frame queue full")

	// ErrInvalidFrame is returned for frames whose buffer does not match their size.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Quality selects the resampling kernel used when resizing.
type Quality string

// Quality levels.
const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

func (q Quality) scaler() draw.Scaler {
	switch q {
	case QualityLow:
		return draw.NearestNeighbor
	case QualityHigh:
		return draw.CatmullRom
	default:
		return draw.ApproxBiLinear
	}
}

// Config configures a FramePipeline.
type Config struct {
	Width        int
	Height       int
	Format       Format
	Quality      Quality
	MaxQueueSize int
	PoolSize     int
}

// DefaultConfig returns a 1080p RGBA pipeline.
func DefaultConfig() Config {
	return Config{
		Width:        1920,
		Height:       1080,
		Format:       FormatRGBA,
		Quality:      QualityMedium,
		MaxQueueSize: 30,
		PoolSize:     8,
	}
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed      uint64        `json:"processed"`
	Dropped        uint64        `json:"dropped"`
	Failed         uint64        `json:"failed"`
	QueueDepth     int           `json:"queue_depth"`
	MaxQueueSize   int           `json:"max_queue_size"`
	AverageLatency time.Duration `json:"average_latency"`
	Closed         bool          `json:"closed"`
	Pool           PoolStats     `json:"pool"`
}

type result struct {
	frame *Frame
	err   error
}

type job struct {
	in        *Frame
	done      chan result
	abandoned atomic.Bool
}

// FramePipeline transforms raw RGBA frames into the configured output size and format.
type FramePipeline struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	events  events.Publisher
	pool    *BufferPool

	jobs chan *job
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	// scratch is only touched by the processing goroutine.
	scratch *image.RGBA

	processed    atomic.Uint64
	dropped      atomic.Uint64
	failed       atomic.Uint64
	totalLatency atomic.Int64
}

// New creates a FramePipeline and starts its processing goroutine.
func New(cfg Config, logger *slog.Logger, m *observability.Metrics, pub events.Publisher) (*FramePipeline, error) {
	p, err := newPipeline(cfg, logger, m, pub)
	if err != nil {
		return nil, err
	}
	p.start()
	return p, nil
}

func newPipeline(cfg Config, logger *slog.Logger, m *observability.Metrics, pub events.Publisher) (*FramePipeline, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid pipeline size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Format == "" {
		cfg.Format = FormatRGBA
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if m == nil {
		m = observability.NewMetrics()
	}
	if pub == nil {
		pub = events.Discard
	}

	pool, err := NewBufferPool(cfg.PoolSize, cfg.Width*cfg.Height*cfg.Format.Channels())
	if err != nil {
		return nil, fmt.Errorf("creating frame buffer pool: %w", err)
	}

	p := &FramePipeline{
		cfg:     cfg,
		logger:  observability.WithComponent(logger, "pipeline"),
		metrics: m,
		events:  pub,
		pool:    pool,
		jobs:    make(chan *job, cfg.MaxQueueSize),
		quit:    make(chan struct{}),
	}
	return p, nil
}

func (p *FramePipeline) start() {
	p.wg.Add(1)
	go p.run()

	cfg := p.cfg
	p.logger.Debug("frame pipeline started",
		slog.Int("width", cfg.Width),
		slog.Int("height", cfg.Height),
		slog.String("format", string(cfg.Format)),
		slog.String("quality", string(cfg.Quality)),
		slog.Int("max_queue_size", cfg.MaxQueueSize),
		slog.Int("pool_size", cfg.PoolSize),
	)
}

// Config returns the pipeline configuration.
func (p *FramePipeline) Config() Config {
	return p.cfg
}

// ProcessFrame queues in for conversion and waits for the result. When the
// queue is full the frame is dropped and ErrQueueFull returned without
// blocking. The returned frame is pool backed and must be released.
func (p *FramePipeline) ProcessFrame(ctx context.Context, in *Frame) (*Frame, error) {
	if in == nil || in.Width <= 0 || in.Height <= 0 || len(in.Data) != in.Width*in.Height*4 {
		return nil, ErrInvalidFrame
	}
	if in.Format != "" && in.Format != FormatRGBA {
		return nil, fmt.Errorf("%w: input must be rgba, got %s", ErrInvalidFrame, in.Format)
	}

	j := &job{in: in, done: make(chan result, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPipelineClosed
	}
	select {
	case p.jobs <- j:
	default:
		p.mu.RUnlock()
		p.drop("queue_full")
		return nil, ErrQueueFull
	}
	p.mu.RUnlock()

	select {
	case r := <-j.done:
		return r.frame, r.err
	case <-ctx.Done():
		j.abandoned.Store(true)
		select {
		case r := <-j.done:
			if r.frame != nil {
				r.frame.Release()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

func (p *FramePipeline) drop(reason string) {
	p.dropped.Add(1)
	p.metrics.IncFramesDropped("pipeline", reason)
	p.events.Publish(events.FrameDropped{Stage: "pipeline", Reason: reason, At: time.Now()})
	p.logger.Debug("frame dropped", slog.String("reason", reason))
}

func (p *FramePipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.handle(j)
		case <-p.quit:
			for {
				select {
				case j := <-p.jobs:
					j.done <- result{err: ErrPipelineClosed}
				default:
					return
				}
			}
		}
	}
}

func (p *FramePipeline) handle(j *job) {
	start := time.Now()
	out, err := p.transform(j.in)
	if err != nil {
		p.failed.Add(1)
		if errors.Is(err, ErrPoolExhausted) {
			p.drop("pool_exhausted")
		}
		j.done <- result{err: err}
		return
	}

	p.processed.Add(1)
	p.totalLatency.Add(int64(time.Since(start)))

	j.done <- result{frame: out}
	if j.abandoned.Load() {
		select {
		case r := <-j.done:
			r.frame.Release()
		default:
		}
	}
}

func (p *FramePipeline) transform(in *Frame) (*Frame, error) {
	buf, err := p.pool.Get()
	if err != nil {
		return nil, err
	}

	out := &Frame{
		Data:      buf.Data,
		Width:     p.cfg.Width,
		Height:    p.cfg.Height,
		Format:    p.cfg.Format,
		Seq:       in.Seq,
		Timestamp: in.Timestamp,
		buf:       buf,
	}

	src := &image.RGBA{Pix: in.Data, Stride: in.Width * 4, Rect: image.Rect(0, 0, in.Width, in.Height)}
	resize := in.Width != p.cfg.Width || in.Height != p.cfg.Height

	if p.cfg.Format == FormatRGBA {
		if !resize {
			copy(out.Data, in.Data)
			return out, nil
		}
		dst := &image.RGBA{Pix: out.Data, Stride: p.cfg.Width * 4, Rect: image.Rect(0, 0, p.cfg.Width, p.cfg.Height)}
		p.cfg.Quality.scaler().Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return out, nil
	}

	if resize {
		if p.scratch == nil {
			p.scratch = image.NewRGBA(image.Rect(0, 0, p.cfg.Width, p.cfg.Height))
		}
		p.cfg.Quality.scaler().Scale(p.scratch, p.scratch.Bounds(), src, src.Bounds(), draw.Src, nil)
		src = p.scratch
	}
	convert(out.Data, src.Pix, p.cfg.Format)
	return out, nil
}

// convert writes RGBA pixels from src into dst in format f.
func convert(dst, src []byte, f Format) {
	switch f {
	case FormatBGRA:
		for i := 0; i+3 < len(src); i += 4 {
			dst[i], dst[i+1], dst[i+2], dst[i+3] = src[i+2], src[i+1], src[i], src[i+3]
		}
	case FormatRGB24:
		for i, o := 0, 0; i+3 < len(src); i, o = i+4, o+3 {
			dst[o], dst[o+1], dst[o+2] = src[i], src[i+1], src[i+2]
		}
	default:
		copy(dst, src)
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *FramePipeline) Stats() Stats {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	s := Stats{
		Processed:    p.processed.Load(),
		Dropped:      p.dropped.Load(),
		Failed:       p.failed.Load(),
		QueueDepth:   len(p.jobs),
		MaxQueueSize: p.cfg.MaxQueueSize,
		Closed:       closed,
		Pool:         p.pool.Stats(),
	}
	if s.Processed > 0 {
		s.AverageLatency = time.Duration(p.totalLatency.Load() / int64(s.Processed))
	}
	return s
}

// Cleanup fails every queued frame, stops the processing goroutine and
// releases the buffer pool. ProcessFrame fails with ErrPipelineClosed
// afterwards. It is safe to call more than once.
func (p *FramePipeline) Cleanup() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.quit)
		p.wg.Wait()
		p.pool.Close()
		p.scratch = nil

		p.logger.Debug("frame pipeline closed",
			slog.Uint64("processed", p.processed.Load()),
			slog.Uint64("dropped", p.dropped.Load()),
		)
	})
}
