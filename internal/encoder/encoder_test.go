package encoder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"

	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/media"
	"github.com/jmylchreest/vtcast/internal/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shellConfig runs script under /bin/sh in place of ffmpeg.
func shellConfig(script string) Config {
	cfg := DefaultConfig()
	cfg.Binary = "/bin/sh"
	cfg.Args = []string{"-c", script}
	cfg.Width = 4
	cfg.Height = 4
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	cfg.StatsInterval = 0
	return cfg
}

func newEncoder(t *testing.T, cfg Config, pub events.Publisher) *Encoder {
	t.Helper()
	e := New(cfg, testLogger(), observability.NewMetrics(), pub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func TestEncoder_SendFrameBeforeStart(t *testing.T) {
	e := newEncoder(t, shellConfig("cat >/dev/null"), nil)

	err := e.SendFrame(context.Background(), make([]byte, 64))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, e.GetMetrics().IsStreaming)
}

func TestEncoder_StartSendStop(t *testing.T) {
	e := newEncoder(t, shellConfig("cat >/dev/null"), nil)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	m := e.GetMetrics()
	assert.True(t, m.IsStreaming)
	assert.Equal(t, "streaming", m.State)
	assert.NotZero(t, m.PID)

	require.NoError(t, e.SendFrame(ctx, make([]byte, 4*4*4)))
	require.NoError(t, e.SendFrame(ctx, make([]byte, 4*4*4)))
	assert.Equal(t, uint64(2), e.GetMetrics().FramesIn)
	assert.Equal(t, uint64(128), e.GetMetrics().BytesIn)

	require.NoError(t, e.Stop(ctx))
	assert.False(t, e.GetMetrics().IsStreaming)
	assert.Equal(t, StateStopped, e.State())

	assert.ErrorIs(t, e.SendFrame(ctx, make([]byte, 64)), ErrNotStarted)

	// Stop is idempotent.
	require.NoError(t, e.Stop(ctx))
}

func TestEncoder_StartTwice(t *testing.T) {
	e := newEncoder(t, shellConfig("cat >/dev/null"), nil)

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)
}

func TestEncoder_RestartAfterStop(t *testing.T) {
	e := newEncoder(t, shellConfig("cat >/dev/null"), nil)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Start(ctx))
	assert.True(t, e.GetMetrics().IsStreaming)
}

func TestEncoder_FrameSizeMismatch(t *testing.T) {
	e := newEncoder(t, shellConfig("cat >/dev/null"), nil)
	require.NoError(t, e.Start(context.Background()))

	err := e.SendFrame(context.Background(), make([]byte, 10))
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestEncoder_SendFrameHonoursContext(t *testing.T) {
	// The child never reads, so the pipe fills and the write must give up at the deadline.
	cfg := shellConfig("exec sleep 30")
	cfg.Width, cfg.Height = 0, 0
	e := newEncoder(t, cfg, nil)
	require.NoError(t, e.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := e.SendFrame(ctx, make([]byte, 4<<20))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEncoder_RestartsThenFatal(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, err := bus.Subscribe("test", 64, events.KindEncoderRestarting, events.KindEncoderFatal)
	require.NoError(t, err)

	cfg := shellConfig("echo 'boom' >&2; exit 3")
	cfg.MaxRestartAttempts = 2
	cfg.MinRunTime = time.Hour
	e := newEncoder(t, cfg, bus)
	require.NoError(t, e.Start(context.Background()))

	var restarts []events.EncoderRestarting
	var fatal *events.EncoderFatal
	timeout := time.After(5 * time.Second)
	for fatal == nil {
		select {
		case ev := <-ch:
			switch ev := ev.(type) {
			case events.EncoderRestarting:
				restarts = append(restarts, ev)
			case events.EncoderFatal:
				fatal = &ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for fatal event")
		}
	}

	require.Len(t, restarts, 2)
	assert.Equal(t, 1, restarts[0].Attempt)
	assert.Equal(t, 2, restarts[1].Attempt)
	assert.Equal(t, 2, fatal.Attempts)
	assert.True(t, errors.Is(fatal.Err, ErrMaxRestarts))
	assert.Contains(t, fatal.StderrTail, "boom")

	require.Eventually(t, func() bool { return e.State() == StateStopped }, time.Second, 10*time.Millisecond)
	m := e.GetMetrics()
	assert.False(t, m.IsStreaming)
	assert.Contains(t, m.LastError, ErrMaxRestarts.Error())
	assert.ErrorIs(t, e.SendFrame(context.Background(), make([]byte, 64)), ErrNotStarted)
}

func TestEncoder_CleanExitWithoutStopRestarts(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, err := bus.Subscribe("test", 16, events.KindEncoderRestarting, events.KindEncoderFatal)
	require.NoError(t, err)

	cfg := shellConfig("exit 0")
	cfg.MaxRestartAttempts = 1
	cfg.MinRunTime = time.Hour
	e := newEncoder(t, cfg, bus)
	require.NoError(t, e.Start(context.Background()))

	var restarted bool
	var fatal *events.EncoderFatal
	timeout := time.After(5 * time.Second)
	for fatal == nil {
		select {
		case ev := <-ch:
			switch ev := ev.(type) {
			case events.EncoderRestarting:
				restarted = true
				assert.ErrorIs(t, ev.Err, ErrUnexpectedExit)
			case events.EncoderFatal:
				fatal = &ev
			}
		case <-timeout:
			t.Fatal("clean exit was neither restarted nor reported")
		}
	}

	assert.True(t, restarted)
	assert.ErrorIs(t, fatal.Err, ErrMaxRestarts)
	assert.ErrorIs(t, fatal.Err, ErrUnexpectedExit)
	require.Eventually(t, func() bool { return e.State() == StateStopped }, time.Second, 10*time.Millisecond)
}

func TestEncoder_ProgressTelemetry(t *testing.T) {
	script := `echo "frame=  120 fps= 30 q=23.0 size=  1024kB time=00:00:04.00 bitrate=2097.2kbits/s speed=1.0x" >&2; cat >/dev/null`
	e := newEncoder(t, shellConfig(script), nil)
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		return e.GetMetrics().CurrentFPS == 30
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 2097.2, e.GetMetrics().Bitrate, 0.01)
	assert.Empty(t, e.StderrTail())
}

func TestEncoder_DeliversPackets(t *testing.T) {
	// cat echoes stdin, so an FLV stream written as a "frame" comes straight back.
	cfg := shellConfig("cat")
	cfg.Width, cfg.Height = 0, 0
	e := newEncoder(t, cfg, nil)

	var mu sync.Mutex
	var got []media.Packet
	e.OnPacket(func(p media.Packet) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	require.NoError(t, e.Start(context.Background()))

	var stream bytes.Buffer
	enc, err := flv.NewEncoder(&stream, flv.FlagsVideo)
	require.NoError(t, err)
	for i, frame := range []flvtag.FrameType{flvtag.FrameTypeKeyFrame, flvtag.FrameTypeInterFrame} {
		require.NoError(t, enc.Encode(&flvtag.FlvTag{
			TagType:   flvtag.TagTypeVideo,
			Timestamp: uint32(i * 33),
			Data: &flvtag.VideoData{
				FrameType:     frame,
				CodecID:       flvtag.CodecIDAVC,
				AVCPacketType: flvtag.AVCPacketTypeNALU,
				Data:          bytes.NewReader([]byte{1, 2, 3, 4}),
			},
		}))
	}
	require.NoError(t, e.SendFrame(context.Background(), stream.Bytes()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, got[0].Keyframe)
	assert.False(t, got[1].Keyframe)
	assert.Equal(t, uint32(33), got[1].Timestamp)
	assert.Equal(t, uint64(2), e.GetMetrics().PacketsOut)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "restarting", StateRestarting.String())
	assert.Equal(t, "unknown", State(42).String())
}
