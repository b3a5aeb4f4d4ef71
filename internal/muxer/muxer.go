// Package muxer fans encoded packets out to every active output destination.
//
// Each output owns a worker goroutine and a bounded queue. A slow or broken
// destination only ever fills its own queue; healthy outputs keep receiving
// packets. Failed sends are retried with a fixed delay after reconnecting,
// and an output whose consecutive failures reach the retry budget is
// deactivated until ActivateOutput is called.
package muxer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/media"
	"github.com/jmylchreest/vtcast/internal/observability"
)

var (
	// ErrMuxerClosed is returned by operations on a muxer after Cleanup.
	ErrMuxerClosed = errors.New("muxer closed")

	// ErrQueueFull is returned when a packet is dropped because the queue is full.
	ErrQueueFull = errors.New("muxer queue full")

	// ErrAlreadyStarted is returned by Start on a running muxer.
	ErrAlreadyStarted = errors.New("muxer already started")

	// ErrOutputNotFound is returned for an unknown output id.
	ErrOutputNotFound = errors.New("output not found")

	// ErrDuplicateOutput is returned when two outputs share an id.
	ErrDuplicateOutput = errors.New("duplicate output id")

	// ErrSendTimeout is returned when an output does not accept a packet in time.
	ErrSendTimeout = errors.New("output send timed out")
)

// Sink delivers packets to one destination.
type Sink interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, p media.Packet) error
	Close() error
}

// Target describes one output destination.
type Target struct {
	ID      string
	URL     string
	Enabled bool
}

// SinkFactory creates the sink for a target.
type SinkFactory func(t Target) (Sink, error)

// Config configures a Muxer.
type Config struct {
	MaxQueueSize    int
	OutputQueueSize int
	RetryAttempts   int
	RetryDelay      time.Duration
	OutputTimeout   time.Duration
}

// DefaultConfig returns the default muxer configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:    120,
		OutputQueueSize: 60,
		RetryAttempts:   3,
		RetryDelay:      5 * time.Second,
		OutputTimeout:   5 * time.Second,
	}
}

// OutputStats is a snapshot of one output's health.
type OutputStats struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Active              bool       `json:"active"`
	Connected           bool       `json:"connected"`
	ErrorCount          int        `json:"error_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	PacketsSent         uint64     `json:"packets_sent"`
	BytesSent           uint64     `json:"bytes_sent"`
	Dropped             uint64     `json:"dropped"`
	QueueDepth          int        `json:"queue_depth"`
	LastError           string     `json:"last_error,omitempty"`
	LastSentAt          *time.Time `json:"last_sent_at,omitempty"`
	DeactivatedAt       *time.Time `json:"deactivated_at,omitempty"`
}

// Stats is a snapshot of the muxer.
type Stats struct {
	Received      uint64                 `json:"received"`
	Dropped       uint64                 `json:"dropped"`
	QueueDepth    int                    `json:"queue_depth"`
	ActiveOutputs int                    `json:"active_outputs"`
	Outputs       map[string]OutputStats `json:"outputs"`
}

type output struct {
	target    Target
	sink      Sink
	queue     chan media.Packet
	connected atomic.Bool

	// connGen is bumped whenever a connection is abandoned, so a connect
	// that finishes after its attempt timed out is not trusted.
	connMu  sync.Mutex
	connGen uint64

	mu            sync.Mutex
	active        bool
	errorCount    int
	consecutive   int
	packetsSent   uint64
	bytesSent     uint64
	dropped       uint64
	lastError     string
	lastSentAt    time.Time
	deactivatedAt time.Time
}

func (o *output) generation() uint64 {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	return o.connGen
}

// markConnected records a connection made during generation gen. It reports
// false when the connection was abandoned in the meantime.
func (o *output) markConnected(gen uint64) bool {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if o.connGen != gen {
		return false
	}
	o.connected.Store(true)
	return true
}

// disconnect abandons the current connection and closes the sink.
func (o *output) disconnect() {
	o.connMu.Lock()
	o.connGen++
	o.connected.Store(false)
	o.connMu.Unlock()
	_ = o.sink.Close()
}

// dropStale closes a connection that completed after being abandoned, unless
// a newer attempt has connected since.
func (o *output) dropStale() {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if !o.connected.Load() {
		_ = o.sink.Close()
	}
}

func (o *output) isActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *output) recordSuccess(n int) {
	o.mu.Lock()
	o.consecutive = 0
	o.packetsSent++
	o.bytesSent += uint64(n)
	o.lastSentAt = time.Now()
	o.mu.Unlock()
}

// recordFailure returns the number of consecutive failures including this one.
func (o *output) recordFailure(err error) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errorCount++
	o.consecutive++
	o.lastError = err.Error()
	return o.consecutive
}

func (o *output) recordDrop() {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *output) snapshot() OutputStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := OutputStats{
		ID:                  o.target.ID,
		URL:                 o.target.URL,
		Active:              o.active,
		Connected:           o.connected.Load(),
		ErrorCount:          o.errorCount,
		ConsecutiveFailures: o.consecutive,
		PacketsSent:         o.packetsSent,
		BytesSent:           o.bytesSent,
		Dropped:             o.dropped,
		QueueDepth:          len(o.queue),
		LastError:           o.lastError,
	}
	if !o.lastSentAt.IsZero() {
		t := o.lastSentAt
		s.LastSentAt = &t
	}
	if !o.deactivatedAt.IsZero() {
		t := o.deactivatedAt
		s.DeactivatedAt = &t
	}
	return s
}

// Muxer distributes packets to its outputs.
type Muxer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	events  events.Publisher

	mu      sync.RWMutex
	outputs map[string]*output
	order   []string
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	queue    chan media.Packet
	received atomic.Uint64
	dropped  atomic.Uint64

	cleanupOnce sync.Once
}

// New creates a Muxer for targets. A nil factory dials targets over RTMP.
func New(cfg Config, targets []Target, factory SinkFactory, logger *slog.Logger, metrics *observability.Metrics, pub events.Publisher) (*Muxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if pub == nil {
		pub = events.Discard
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.OutputQueueSize <= 0 {
		cfg.OutputQueueSize = DefaultConfig().OutputQueueSize
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}

	logger = observability.WithComponent(logger, "muxer")
	if factory == nil {
		factory = RTMPSinkFactory(0, logger)
	}

	m := &Muxer{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		events:  pub,
		outputs: make(map[string]*output, len(targets)),
		queue:   make(chan media.Packet, cfg.MaxQueueSize),
	}

	for _, t := range targets {
		if _, exists := m.outputs[t.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOutput, t.ID)
		}
		sink, err := factory(t)
		if err != nil {
			return nil, fmt.Errorf("creating sink for output %s: %w", t.ID, err)
		}
		m.outputs[t.ID] = &output{
			target: t,
			sink:   sink,
			queue:  make(chan media.Packet, cfg.OutputQueueSize),
			active: t.Enabled,
		}
		m.order = append(m.order, t.ID)
	}

	m.updateGauges()
	return m, nil
}

// Start launches the dispatcher and one worker per output.
func (m *Muxer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMuxerClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.cancel = cancel
	m.group = g
	m.started = true

	g.Go(func() error {
		m.dispatch(gctx)
		return nil
	})
	for _, id := range m.order {
		o := m.outputs[id]
		g.Go(func() error {
			m.runOutput(gctx, o)
			return nil
		})
	}

	m.logger.Info("muxer started", slog.Int("outputs", len(m.order)))
	return nil
}

// ProcessFrame queues one packet for fan-out. When the queue is full the
// packet is dropped and ErrQueueFull is returned; the caller never blocks.
func (m *Muxer) ProcessFrame(p media.Packet) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrMuxerClosed
	}

	select {
	case m.queue <- p:
		m.received.Add(1)
		return nil
	default:
		m.dropped.Add(1)
		m.metrics.IncFramesDropped("muxer", "queue_full")
		m.events.Publish(events.FrameDropped{Stage: "muxer", Reason: "queue_full", At: time.Now()})
		m.logger.Debug("muxer queue full, dropping packet",
			slog.String("kind", p.Kind.String()),
			slog.Int("queue_size", m.cfg.MaxQueueSize))
		return ErrQueueFull
	}
}

// ActivateOutput returns a deactivated output to the fan-out set.
func (m *Muxer) ActivateOutput(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrMuxerClosed
	}
	o, ok := m.outputs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutputNotFound, id)
	}

	o.mu.Lock()
	wasActive := o.active
	o.active = true
	o.consecutive = 0
	o.deactivatedAt = time.Time{}
	o.mu.Unlock()

	if !wasActive {
		m.events.Publish(events.OutputActivated{OutputID: id})
		m.logger.Info("output activated", slog.String("output", id))
	}
	m.updateGaugesLocked()
	return nil
}

// GetOutputStats returns a snapshot of every output.
func (m *Muxer) GetOutputStats() map[string]OutputStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]OutputStats, len(m.outputs))
	for id, o := range m.outputs {
		out[id] = o.snapshot()
	}
	return out
}

// Stats returns a snapshot of the muxer and its outputs.
func (m *Muxer) Stats() Stats {
	outputs := m.GetOutputStats()
	active := 0
	for _, o := range outputs {
		if o.Active {
			active++
		}
	}
	return Stats{
		Received:      m.received.Load(),
		Dropped:       m.dropped.Load(),
		QueueDepth:    len(m.queue),
		ActiveOutputs: active,
		Outputs:       outputs,
	}
}

// Cleanup stops every worker, closes every sink and clears the queue and
// the output set. It is safe to call more than once.
func (m *Muxer) Cleanup() {
	m.cleanupOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		cancel, group := m.cancel, m.group
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			_ = group.Wait()
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for {
			select {
			case <-m.queue:
				continue
			default:
			}
			break
		}
		for id, o := range m.outputs {
			if err := o.sink.Close(); err != nil {
				m.logger.Debug("closing output sink", slog.String("output", id), slog.String("error", err.Error()))
			}
			delete(m.outputs, id)
		}
		m.order = nil
		m.updateGaugesLocked()
		m.logger.Info("muxer stopped")
	})
}

func (m *Muxer) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.queue:
			m.fanOut(p)
		}
	}
}

func (m *Muxer) fanOut(p media.Packet) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		o := m.outputs[id]
		if !o.isActive() {
			continue
		}
		select {
		case o.queue <- p:
		default:
			o.recordDrop()
			m.metrics.IncFramesDropped("muxer_output", "queue_full")
		}
	}
	m.metrics.SetMuxer(m.activeLocked(), len(m.queue))
}

func (m *Muxer) runOutput(ctx context.Context, o *output) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-o.queue:
			m.deliver(ctx, o, p)
		}
	}
}

// deliver sends p to o, reconnecting and retrying with a fixed delay until
// the consecutive failure count reaches the retry budget.
func (m *Muxer) deliver(ctx context.Context, o *output, p media.Packet) {
	if !o.isActive() {
		o.recordDrop()
		return
	}

	for {
		err := m.attempt(ctx, o, p)
		if err == nil {
			o.recordSuccess(p.Size())
			m.metrics.AddOutputBytes(o.target.ID, p.Size())
			return
		}
		if ctx.Err() != nil {
			return
		}

		failures := o.recordFailure(err)
		o.disconnect()
		m.metrics.IncOutputErrors(o.target.ID)
		m.events.Publish(events.OutputFailed{OutputID: o.target.ID, Attempt: failures, Err: err})

		if failures >= m.cfg.RetryAttempts {
			m.deactivate(o, err)
			return
		}

		m.logger.Warn("output send failed, retrying",
			slog.String("output", o.target.ID),
			slog.Int("attempt", failures),
			slog.Int("max_attempts", m.cfg.RetryAttempts),
			slog.Duration("delay", m.cfg.RetryDelay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(m.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// attempt connects when needed and sends p, bounded by the output timeout.
func (m *Muxer) attempt(ctx context.Context, o *output, p media.Packet) error {
	gen := o.generation()
	send := func(ctx context.Context) error {
		if !o.connected.Load() {
			if err := o.sink.Connect(ctx); err != nil {
				return fmt.Errorf("connecting: %w", err)
			}
			if !o.markConnected(gen) {
				o.dropStale()
				m.logger.Debug("discarding connection that outlived its attempt", slog.String("output", o.target.ID))
				return ErrSendTimeout
			}
			m.logger.Info("output connected", slog.String("output", o.target.ID))
		}
		return o.sink.Send(ctx, p)
	}

	if m.cfg.OutputTimeout <= 0 {
		return send(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.OutputTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- send(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// Closing the sink unblocks a send stuck on the network.
		o.disconnect()
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
		return fmt.Errorf("%w after %s", ErrSendTimeout, m.cfg.OutputTimeout)
	}
}

func (m *Muxer) deactivate(o *output, err error) {
	o.mu.Lock()
	o.active = false
	o.deactivatedAt = time.Now()
	errorCount := o.errorCount
	o.mu.Unlock()

	// Packets queued before deactivation are stale by the time it is reactivated.
	for {
		select {
		case <-o.queue:
			o.recordDrop()
			continue
		default:
		}
		break
	}

	m.events.Publish(events.OutputDeactivated{OutputID: o.target.ID, ErrorCount: errorCount, Err: err})
	m.logger.Error("output deactivated after repeated failures",
		slog.String("output", o.target.ID),
		slog.Int("error_count", errorCount),
		slog.String("error", err.Error()))
	m.updateGauges()
}

func (m *Muxer) activeLocked() int {
	n := 0
	for _, o := range m.outputs {
		if o.isActive() {
			n++
		}
	}
	return n
}

func (m *Muxer) updateGauges() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.updateGaugesLocked()
}

func (m *Muxer) updateGaugesLocked() {
	m.metrics.SetMuxer(m.activeLocked(), len(m.queue))
}
