package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vtcast/internal/encoder"
	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/media"
	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/pipeline"
	"github.com/jmylchreest/vtcast/internal/scene"
	"github.com/jmylchreest/vtcast/internal/state"
)

const (
	testWidth  = 4
	testHeight = 2
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeRenderer struct {
	delay time.Duration
	fail  atomic.Bool
	calls atomic.Int64
}

func (r *fakeRenderer) RenderScene(ctx context.Context, _ *models.Scene) ([]byte, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.fail.Load() {
		return nil, errors.New("asset exploded")
	}
	buf := make([]byte, testWidth*testHeight*4)
	for i := range buf {
		buf[i] = 0x7f
	}
	return buf, nil
}

func (r *fakeRenderer) Dimensions() (int, int) { return testWidth, testHeight }

type recordingPipeline struct {
	*pipeline.FramePipeline
	log *callLog
}

func (p *recordingPipeline) Cleanup() {
	p.log.add("pipeline.cleanup")
	p.FramePipeline.Cleanup()
}

type fakeEncoder struct {
	log       *callLog
	startErr  error
	notStream atomic.Bool
	onPacket  atomic.Pointer[func(media.Packet)]
	frames    atomic.Int64
}

func (e *fakeEncoder) OnPacket(fn func(media.Packet)) {
	if fn == nil {
		e.onPacket.Store(nil)
		return
	}
	e.onPacket.Store(&fn)
}

func (e *fakeEncoder) Start(context.Context) error {
	e.log.add("encoder.start")
	return e.startErr
}

func (e *fakeEncoder) SendFrame(_ context.Context, data []byte) error {
	if e.notStream.Load() {
		return encoder.ErrNotStreaming
	}
	if len(data) != testWidth*testHeight*4 {
		return encoder.ErrFrameSize
	}
	n := e.frames.Add(1)
	if fn := e.onPacket.Load(); fn != nil {
		(*fn)(media.Packet{Kind: media.KindVideo, Timestamp: uint32(n), Keyframe: n == 1, Payload: []byte{0x17}})
	}
	return nil
}

func (e *fakeEncoder) Stop(context.Context) error {
	e.log.add("encoder.stop")
	return nil
}

type fakeMuxer struct {
	log     *callLog
	packets atomic.Int64
	cleaned atomic.Int64
}

func (m *fakeMuxer) Start(context.Context) error {
	m.log.add("muxer.start")
	return nil
}

func (m *fakeMuxer) ProcessFrame(media.Packet) error {
	m.packets.Add(1)
	return nil
}

func (m *fakeMuxer) Cleanup() {
	m.cleaned.Add(1)
	m.log.add("muxer.cleanup")
}

type fakePool struct{ log *callLog }

func (p *fakePool) Start(context.Context) error {
	p.log.add("pool.start")
	return nil
}

func (p *fakePool) Shutdown(context.Context) error {
	p.log.add("pool.shutdown")
	return nil
}

type fixture struct {
	log      *callLog
	renderer *fakeRenderer
	encoder  *fakeEncoder
	muxer    *fakeMuxer
	state    *state.Manager
	bus      *events.Bus
	director *Director
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()
	log := &callLog{}

	fp, err := pipeline.New(pipeline.Config{
		Width:        testWidth,
		Height:       testHeight,
		Format:       pipeline.FormatRGBA,
		Quality:      pipeline.QualityLow,
		MaxQueueSize: 4,
		PoolSize:     4,
	}, logger, metrics, nil)
	require.NoError(t, err)

	f := &fixture{
		log:      log,
		renderer: &fakeRenderer{},
		encoder:  &fakeEncoder{log: log},
		muxer:    &fakeMuxer{log: log},
		state:    state.NewManager(nil),
		bus:      events.NewBus(),
	}
	f.director, err = New(cfg, Components{
		Scenes:   scene.NewStore(scene.Default()),
		Renderer: f.renderer,
		Pipeline: &recordingPipeline{FramePipeline: fp, log: log},
		Encoder:  f.encoder,
		Muxer:    f.muxer,
		Pool:     &fakePool{log: log},
		State:    f.state,
		Bus:      f.bus,
	}, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.bus.Close() })
	return f
}

func (f *fixture) run(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.director.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("director did not stop")
		return nil
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Components{}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingComponent)

	f := newFixture(t, DefaultConfig())
	c := f.director.c
	_, err = New(Config{FPS: 0}, c, nil, nil)
	assert.Error(t, err)

	c.Pool = nil
	c.Bus = nil
	d, err := New(Config{FPS: 25}, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "program", d.cfg.StreamID)
}

func TestDirector_RunDrivesFramesThroughEveryStage(t *testing.T) {
	f := newFixture(t, Config{FPS: 50})
	produced, err := f.bus.Subscribe("test", 256, events.KindFrameProduced)
	require.NoError(t, err)

	cancel, done := f.run(t)

	require.Eventually(t, func() bool { return f.director.Stats().Frames >= 3 },
		3*time.Second, 5*time.Millisecond)
	assert.True(t, f.state.IsLive("program"))
	assert.True(t, f.director.Stats().Running)

	ev := (<-produced).(events.FrameProduced)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, testWidth, ev.Width)
	assert.Equal(t, testHeight, ev.Height)
	assert.Equal(t, "rgba", ev.Format)
	assert.Nil(t, ev.Pixels, "pixels are only attached in preview mode")

	cancel()
	require.NoError(t, waitDone(t, done))

	stats := f.director.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, uint64(f.encoder.frames.Load()), stats.Frames)
	assert.Equal(t, f.encoder.frames.Load(), f.muxer.packets.Load(), "every packet reaches the muxer")
	assert.Equal(t, stats.Frames, stats.Packets)
	assert.False(t, stats.LastFrameAt.IsZero())
	assert.False(t, f.state.IsLive("program"))

	assert.Equal(t, []string{
		"pool.start", "muxer.start", "encoder.start",
		"muxer.cleanup", "encoder.stop", "pipeline.cleanup", "pool.shutdown",
	}, f.log.get())
}

func TestDirector_PreviewCopiesPixels(t *testing.T) {
	f := newFixture(t, Config{FPS: 50, Preview: true})
	produced, err := f.bus.Subscribe("test", 16, events.KindFrameProduced)
	require.NoError(t, err)

	cancel, done := f.run(t)
	var ev events.FrameProduced
	select {
	case e := <-produced:
		ev = e.(events.FrameProduced)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame produced")
	}
	cancel()
	require.NoError(t, waitDone(t, done))

	require.Len(t, ev.Pixels, testWidth*testHeight*4)
	assert.Equal(t, byte(0x7f), ev.Pixels[0])
}

func TestDirector_CountsDropsPerStage(t *testing.T) {
	f := newFixture(t, Config{FPS: 100})
	f.renderer.fail.Store(true)
	dropped, err := f.bus.Subscribe("test", 64, events.KindFrameDropped)
	require.NoError(t, err)

	cancel, done := f.run(t)
	require.Eventually(t, func() bool { return f.director.Stats().Drops[StageRender] >= 2 },
		3*time.Second, 5*time.Millisecond)

	ev := (<-dropped).(events.FrameDropped)
	assert.Equal(t, StageRender, ev.Stage)
	assert.Equal(t, "render_failed", ev.Reason)
	assert.Zero(t, f.encoder.frames.Load())

	f.renderer.fail.Store(false)
	f.encoder.notStream.Store(true)
	require.Eventually(t, func() bool { return f.director.Stats().Drops[StageEncoder] >= 2 },
		3*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Zero(t, f.director.Stats().Frames)
}

func TestDirector_AchievedFPSNearTarget(t *testing.T) {
	f := newFixture(t, Config{FPS: 50})

	cancel, done := f.run(t)
	// The rate is published once per one-second window.
	require.Eventually(t, func() bool { return f.director.Stats().AchievedFPS > 0 },
		3*time.Second, 10*time.Millisecond)
	stats := f.director.Stats()
	cancel()
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, 50, stats.TargetFPS)
	assert.InEpsilon(t, float64(stats.TargetFPS), stats.AchievedFPS, 0.15)
}

func TestDirector_SkipsTicksWhenFramesOverrun(t *testing.T) {
	f := newFixture(t, Config{FPS: 100})
	f.renderer.delay = 35 * time.Millisecond

	cancel, done := f.run(t)
	require.Eventually(t, func() bool { return f.director.Stats().Skipped >= 3 },
		3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestDirector_StopIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{FPS: 50})
	_, done := f.run(t)
	require.Eventually(t, func() bool { return f.director.Stats().Frames >= 1 },
		3*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.director.Stop(ctx))
	require.NoError(t, f.director.Stop(ctx))
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, int64(1), f.muxer.cleaned.Load())
	assert.ErrorIs(t, f.director.Run(context.Background()), ErrStopped)
}

func TestDirector_StopBeforeRun(t *testing.T) {
	f := newFixture(t, Config{FPS: 50})
	require.NoError(t, f.director.Stop(context.Background()))
	assert.Equal(t, []string{"muxer.cleanup", "encoder.stop", "pipeline.cleanup", "pool.shutdown"}, f.log.get())
}

func TestDirector_RunTwice(t *testing.T) {
	f := newFixture(t, Config{FPS: 50})
	cancel, done := f.run(t)
	require.Eventually(t, func() bool { return f.director.Stats().Running },
		3*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.director.Run(context.Background()), ErrAlreadyRunning)
	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestDirector_StartFailureTearsDown(t *testing.T) {
	f := newFixture(t, Config{FPS: 50})
	f.encoder.startErr = errors.New("no ffmpeg")

	err := f.director.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting encoder")
	assert.Contains(t, f.log.get(), "pool.shutdown")
	assert.False(t, f.state.IsLive("program"))
}

func TestDirector_HandleReportsLiveness(t *testing.T) {
	f := newFixture(t, Config{FPS: 30})
	d := f.director

	d.handle(events.EncoderStateChanged{From: "starting", To: "streaming"})
	assert.True(t, f.state.IsLive("program"))

	d.handle(events.EncoderStateChanged{From: "streaming", To: "restarting"})
	assert.True(t, f.state.IsLive("program"), "a restart does not take the program down")
	d.handle(events.EncoderStateChanged{From: "restarting", To: "starting"})
	d.handle(events.EncoderStateChanged{From: "starting", To: "streaming"})
	st, ok := f.state.Get("program")
	require.True(t, ok)
	assert.True(t, st.Live)
	assert.Zero(t, st.Transitions, "liveness never flipped")

	d.handle(events.EncoderFatal{Attempts: 3, Err: encoder.ErrMaxRestarts})
	st, ok = f.state.Get("program")
	require.True(t, ok)
	assert.False(t, st.Live)
	assert.Contains(t, st.Reason, "max restarts reached")

	d.handle(events.RTMPPublishStarted{ConnID: "c1", StreamID: "camera1"})
	assert.True(t, f.state.IsLive(IngestStreamID("camera1")))

	d.handle(events.RTMPDisconnected{ConnID: "unknown"})
	assert.True(t, f.state.IsLive(IngestStreamID("camera1")))

	d.handle(events.RTMPDisconnected{ConnID: "c1"})
	st, _ = f.state.Get(IngestStreamID("camera1"))
	assert.False(t, st.Live)
	assert.Equal(t, "publisher disconnected", st.Reason)
}
