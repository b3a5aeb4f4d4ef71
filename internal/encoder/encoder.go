// Package encoder drives the external encoder subprocess that turns raw frames
// into an FLV stream.
//
// Raw pixels are written to the subprocess stdin, encoded FLV is read back from
// stdout and delivered tag by tag as media.Packet values, and stderr is parsed
// for progress telemetry. Unexpected exits are restarted a bounded number of
// times before the encoder gives up and publishes a fatal event.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/ffmpeg"
	"github.com/jmylchreest/vtcast/internal/media"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/pipeline"
)

var (
	// ErrNotStarted is returned when frames are sent to an encoder that is not running.
	ErrNotStarted = errors.New("encoder not started")

	// ErrNotStreaming is returned when frames are sent while the encoder is restarting.
	ErrNotStreaming = errors.New("encoder is not streaming")

	// ErrAlreadyRunning is returned by Start on a running encoder.
	ErrAlreadyRunning = errors.New("encoder already running")

	// ErrMaxRestarts is carried by the fatal event once the restart budget is spent.
	ErrMaxRestarts = errors.New("max restarts reached")

	// ErrFrameSize is returned when a frame does not match the configured resolution.
	ErrFrameSize = errors.New("frame size does not match encoder input")

	// ErrUnexpectedExit records a subprocess that exited with status 0 without
	// a stop request. It is restarted like any other failure.
	ErrUnexpectedExit = errors.New("encoder exited without a stop request")
)

// State is the encoder lifecycle state.
type State int

// Encoder states.
const (
	StateStopped State = iota
	StateStarting
	StateStreaming
	StateError
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Config configures an Encoder.
type Config struct {
	// Binary is the encoder executable. Empty resolves ffmpeg from the
	// environment or $PATH at Start.
	Binary string
	// Args replaces the generated ffmpeg arguments when set.
	Args []string

	Width            int
	Height           int
	FPS              int
	InputFormat      pipeline.Format
	Codec            string
	Bitrate          string
	Preset           string
	KeyframeInterval int
	HWAccel          ffmpeg.HWAccel
	HWDevice         string
	Audio            bool

	MaxRestartAttempts int
	RestartDelay       time.Duration
	// MinRunTime is how long a process must run before its exit no longer
	// counts against the restart budget.
	MinRunTime    time.Duration
	StopTimeout   time.Duration
	StatsInterval time.Duration
	StderrLines   int
}

// DefaultConfig returns a 1080p30 H.264 configuration.
func DefaultConfig() Config {
	return Config{
		Width:              1920,
		Height:             1080,
		FPS:                30,
		InputFormat:        pipeline.FormatRGBA,
		Codec:              "h264",
		Bitrate:            "4500k",
		Preset:             "veryfast",
		HWAccel:            ffmpeg.HWAccelNone,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
		MinRunTime:         30 * time.Second,
		StopTimeout:        5 * time.Second,
		StatsInterval:      5 * time.Second,
		StderrLines:        100,
	}
}

// frameSize returns the expected input frame length, or 0 when unchecked.
func (c Config) frameSize() int {
	if c.Width <= 0 || c.Height <= 0 {
		return 0
	}
	format := c.InputFormat
	if format == "" {
		format = pipeline.FormatRGBA
	}
	return c.Width * c.Height * format.Channels()
}

// Metrics is a snapshot of encoder health.
type Metrics struct {
	State       string        `json:"state"`
	IsStreaming bool          `json:"is_streaming"`
	CurrentFPS  float64       `json:"current_fps"`
	Bitrate     float64       `json:"bitrate_kbps"`
	Speed       float64       `json:"speed"`
	FramesIn    uint64        `json:"frames_in"`
	BytesIn     uint64        `json:"bytes_in"`
	PacketsOut  uint64        `json:"packets_out"`
	BytesOut    uint64        `json:"bytes_out"`
	Restarts    int           `json:"restarts"`
	PID         int           `json:"pid,omitempty"`
	CPUPercent  float64       `json:"cpu_percent"`
	RSSBytes    uint64        `json:"rss_bytes"`
	Uptime      time.Duration `json:"uptime"`
	LastError   string        `json:"last_error,omitempty"`
}

// process is one spawned encoder subprocess.
type process struct {
	cmd       *exec.Cmd
	stdin     *os.File
	startedAt time.Time
	exited    chan struct{}
	err       error // valid once exited is closed
	monitor   *ffmpeg.ProcessMonitor
}

func exitedProcess(err error) *process {
	p := &process{startedAt: time.Now(), exited: make(chan struct{}), err: err}
	close(p.exited)
	return p
}

func (p *process) pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Encoder supervises the encoder subprocess.
type Encoder struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	events  events.Publisher

	onPacket atomic.Pointer[func(media.Packet)]

	mu       sync.Mutex
	state    State
	proc     *process
	running  bool
	stopping bool
	stopCh   chan struct{}
	done     chan struct{}
	restarts int
	lastErr  error

	writeMu sync.Mutex
	tail    *ffmpeg.StderrTail

	progress   atomic.Pointer[ffmpeg.Progress]
	procStats  atomic.Pointer[ffmpeg.ProcessStats]
	framesIn   atomic.Uint64
	bytesIn    atomic.Uint64
	packetsOut atomic.Uint64
	bytesOut   atomic.Uint64
}

// New creates a stopped Encoder.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics, pub events.Publisher) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if pub == nil {
		pub = events.Discard
	}
	if cfg.StderrLines <= 0 {
		cfg.StderrLines = 100
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Encoder{
		cfg:     cfg,
		logger:  observability.WithComponent(logger, "encoder"),
		metrics: metrics,
		events:  pub,
		tail:    ffmpeg.NewStderrTail(cfg.StderrLines),
	}
}

// OnPacket registers fn to receive every encoded packet. It may be called at any time.
func (e *Encoder) OnPacket(fn func(media.Packet)) {
	if fn == nil {
		e.onPacket.Store(nil)
		return
	}
	e.onPacket.Store(&fn)
}

// State returns the current lifecycle state.
func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start spawns the encoder subprocess.
func (e *Encoder) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}
	if e.cfg.Binary == "" {
		path, err := ffmpeg.FindBinary("")
		if err != nil {
			return fmt.Errorf("starting encoder: %w", err)
		}
		e.cfg.Binary = path
	}

	e.setStateLocked(StateStarting)
	p, err := e.spawn()
	if err != nil {
		e.lastErr = err
		e.setStateLocked(StateStopped)
		return fmt.Errorf("starting encoder: %w", err)
	}

	e.proc = p
	e.running = true
	e.stopping = false
	e.restarts = 0
	e.lastErr = nil
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	e.setStateLocked(StateStreaming)

	go e.supervise(p, e.stopCh, e.done)

	e.logger.Info("encoder started",
		slog.Int("pid", p.pid()),
		slog.Int("width", e.cfg.Width),
		slog.Int("height", e.cfg.Height),
		slog.Int("fps", e.cfg.FPS))
	return nil
}

// SendFrame writes one raw frame to the encoder. It blocks until the
// subprocess has accepted every byte or ctx ends; frames are never dropped here.
func (e *Encoder) SendFrame(ctx context.Context, data []byte) error {
	e.mu.Lock()
	state, p := e.state, e.proc
	e.mu.Unlock()

	switch {
	case state == StateStopped:
		return ErrNotStarted
	case state != StateStreaming || p == nil || p.stdin == nil:
		return ErrNotStreaming
	}
	if size := e.cfg.frameSize(); size > 0 && len(data) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(data), size)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = p.stdin.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = p.stdin.SetWriteDeadline(time.Now())
	})
	defer stop()

	n, err := p.stdin.Write(data)
	e.bytesIn.Add(uint64(n))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	e.framesIn.Add(1)
	return nil
}

// Stop terminates the subprocess gracefully, force killing it after the stop
// timeout. It is safe to call on a stopped encoder.
func (e *Encoder) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	if !e.stopping {
		e.stopping = true
		close(e.stopCh)
	}
	p, done := e.proc, e.done
	e.mu.Unlock()

	e.logger.Info("stopping encoder", slog.Int("pid", p.pid()))
	e.terminate(p)

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for encoder supervisor: %w", ctx.Err())
	}

	e.mu.Lock()
	e.proc = nil
	e.setStateLocked(StateStopped)
	e.mu.Unlock()

	e.logger.Info("encoder stopped")
	return nil
}

// GetMetrics returns a snapshot of encoder health.
func (e *Encoder) GetMetrics() Metrics {
	e.mu.Lock()
	state, p, restarts, lastErr := e.state, e.proc, e.restarts, e.lastErr
	e.mu.Unlock()

	m := Metrics{
		State:       state.String(),
		IsStreaming: state == StateStreaming,
		FramesIn:    e.framesIn.Load(),
		BytesIn:     e.bytesIn.Load(),
		PacketsOut:  e.packetsOut.Load(),
		BytesOut:    e.bytesOut.Load(),
		Restarts:    restarts,
	}
	if lastErr != nil {
		m.LastError = lastErr.Error()
	}
	if pr := e.progress.Load(); pr != nil {
		m.CurrentFPS = pr.FPS
		m.Bitrate = pr.BitrateKbps
		m.Speed = pr.Speed
	}
	if ps := e.procStats.Load(); ps != nil {
		m.CPUPercent = ps.CPUPercent
		m.RSSBytes = ps.RSSBytes
	}
	if p != nil && state == StateStreaming {
		m.PID = p.pid()
		m.Uptime = time.Since(p.startedAt)
	}
	return m
}

// StderrTail returns the most recent non-progress stderr lines.
func (e *Encoder) StderrTail() []string {
	return e.tail.Lines()
}

// setStateLocked records a transition. e.mu must be held.
func (e *Encoder) setStateLocked(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.metrics.SetEncoderState(int(to))
	e.events.Publish(events.EncoderStateChanged{From: from.String(), To: to.String(), At: time.Now()})
	e.logger.Debug("encoder state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

func (e *Encoder) command() *ffmpeg.Command {
	if len(e.cfg.Args) > 0 {
		return &ffmpeg.Command{Binary: e.cfg.Binary, Args: e.cfg.Args}
	}
	format := e.cfg.InputFormat
	if format == "" {
		format = pipeline.FormatRGBA
	}
	return ffmpeg.BuildEncodeCommand(e.cfg.Binary, ffmpeg.EncodeOptions{
		Width:            e.cfg.Width,
		Height:           e.cfg.Height,
		FPS:              e.cfg.FPS,
		InputPixFmt:      format.PixFmt(),
		Codec:            e.cfg.Codec,
		Bitrate:          e.cfg.Bitrate,
		Preset:           e.cfg.Preset,
		KeyframeInterval: e.cfg.KeyframeInterval,
		HWAccel:          e.cfg.HWAccel,
		HWDevice:         e.cfg.HWDevice,
		Audio:            e.cfg.Audio,
	})
}

// spawn starts one subprocess with its stdio readers attached.
func (e *Encoder) spawn() (*process, error) {
	command := e.command()
	e.logger.Debug("encoder command", slog.String("command", command.String()))

	cmd := exec.Command(command.Binary, command.Args...)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	closePipes := func() {
		stdinR.Close()
		stdinW.Close()
	}
	cmd.Stdin = stdinR

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closePipes()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closePipes()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closePipes()
		return nil, fmt.Errorf("starting %s: %w", command.Binary, err)
	}
	// The child holds its own copy of the read end.
	stdinR.Close()

	p := &process{
		cmd:       cmd,
		stdin:     stdinW,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}

	if e.cfg.StatsInterval > 0 {
		monitor, err := ffmpeg.NewProcessMonitor(context.Background(), cmd.Process.Pid)
		if err != nil {
			e.logger.Debug("process monitor unavailable", slog.String("error", err.Error()))
		} else {
			p.monitor = monitor
			monitor.Start(e.cfg.StatsInterval, func(s ffmpeg.ProcessStats) {
				e.procStats.Store(&s)
				e.metrics.SetEncoderProcess(s.CPUPercent, s.RSSBytes)
			})
		}
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		e.readStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		e.readOutput(stdout)
	}()

	go func() {
		// Wait closes the stdio pipes, so it must follow the readers.
		readers.Wait()
		p.err = cmd.Wait()
		stdinW.Close()
		if p.monitor != nil {
			p.monitor.Stop()
		}
		close(p.exited)
	}()

	return p, nil
}

// supervise watches the current subprocess and restarts it on failure.
func (e *Encoder) supervise(p *process, stopCh <-chan struct{}, done chan<- struct{}) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-p.exited:
		case <-stopCh:
			<-p.exited
			return
		}

		e.mu.Lock()
		if e.stopping {
			e.mu.Unlock()
			return
		}

		if p.err == nil {
			p.err = ErrUnexpectedExit
		}

		if time.Since(p.startedAt) >= e.cfg.MinRunTime && e.cfg.MinRunTime > 0 {
			e.restarts = 0
		}
		e.lastErr = p.err
		e.setStateLocked(StateError)
		e.logger.Warn("encoder exited unexpectedly",
			slog.Int("pid", p.pid()),
			slog.String("error", p.err.Error()),
			slog.Duration("ran_for", time.Since(p.startedAt)))

		if e.restarts >= e.cfg.MaxRestartAttempts {
			attempts := e.restarts
			err := fmt.Errorf("%w after %d attempts: %w", ErrMaxRestarts, attempts, p.err)
			e.lastErr = err
			e.proc = nil
			e.setStateLocked(StateStopped)
			e.mu.Unlock()

			tail := e.tail.Lines()
			e.logger.Error("encoder restart budget exhausted",
				slog.Int("attempts", attempts),
				slog.String("error", p.err.Error()),
				slog.String("stderr", strings.Join(tail, "\n")))
			e.events.Publish(events.EncoderFatal{Attempts: attempts, Err: err, StderrTail: tail, At: time.Now()})
			return
		}

		e.restarts++
		attempt := e.restarts
		e.setStateLocked(StateRestarting)
		e.mu.Unlock()

		e.metrics.IncEncoderRestarts()
		e.events.Publish(events.EncoderRestarting{Attempt: attempt, Max: e.cfg.MaxRestartAttempts, Err: p.err})
		e.logger.Info("restarting encoder",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.cfg.MaxRestartAttempts),
			slog.Duration("delay", e.cfg.RestartDelay))

		timer := time.NewTimer(e.cfg.RestartDelay)
		select {
		case <-timer.C:
		case <-stopCh:
			timer.Stop()
			return
		}

		e.mu.Lock()
		if e.stopping {
			e.mu.Unlock()
			return
		}
		next, err := e.spawn()
		if err != nil {
			e.logger.Warn("encoder respawn failed", slog.String("error", err.Error()))
			next = exitedProcess(err)
		} else {
			e.setStateLocked(StateStreaming)
		}
		e.proc = next
		e.mu.Unlock()
		p = next
	}
}

// terminate closes stdin, interrupts the process and kills it if it has not
// exited within the stop timeout.
func (e *Encoder) terminate(p *process) {
	if p == nil {
		return
	}
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}

	select {
	case <-p.exited:
		return
	default:
	}
	_ = p.cmd.Process.Signal(os.Interrupt)

	select {
	case <-p.exited:
		return
	case <-time.After(e.cfg.StopTimeout):
		e.logger.Warn("encoder did not exit in time, killing", slog.Int("pid", p.pid()))
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.exited:
	case <-time.After(time.Second):
		e.logger.Error("encoder could not be killed", slog.Int("pid", p.pid()))
	}
}

// readStderr records progress telemetry and keeps the tail of everything else.
func (e *Encoder) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	scanner.Split(ffmpeg.SplitStderr)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if progress, ok := ffmpeg.ParseProgress(line); ok {
			e.progress.Store(&progress)
			e.metrics.SetEncoderTelemetry(progress.FPS, progress.BitrateKbps)
			continue
		}
		e.tail.Add(line)
		e.logger.Debug("encoder stderr", slog.String("line", line))
	}
}

// readOutput demuxes the FLV stream on stdout into packets.
func (e *Encoder) readOutput(r io.Reader) {
	err := media.ReadFLV(context.Background(), r, func(p media.Packet) error {
		e.packetsOut.Add(1)
		e.bytesOut.Add(uint64(p.Size()))
		if fn := e.onPacket.Load(); fn != nil {
			(*fn)(p)
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("encoder output is not a valid flv stream", slog.String("error", err.Error()))
	}
	// Keep draining so the subprocess never blocks on a full stdout pipe.
	_, _ = io.Copy(io.Discard, r)
}
