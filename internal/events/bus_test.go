package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, err := bus.Subscribe("a", 4)
	require.NoError(t, err)
	b, err := bus.Subscribe("b", 4)
	require.NoError(t, err)

	bus.Publish(OutputActivated{OutputID: "twitch"})

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		activated, ok := ev.(OutputActivated)
		require.True(t, ok)
		assert.Equal(t, "twitch", activated.OutputID)
	}
}

func TestBus_FiltersByKind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, err := bus.Subscribe("fatal-only", 4, KindEncoderFatal)
	require.NoError(t, err)

	bus.Publish(FrameDropped{Stage: "pipeline"})
	bus.Publish(EncoderFatal{Attempts: 3})

	ev := <-ch
	assert.Equal(t, KindEncoderFatal, ev.Kind())
	assert.Empty(t, ch)
	assert.True(t, bus.HasSubscribers(KindEncoderFatal))
	assert.False(t, bus.HasSubscribers(KindFrameProduced))
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, err := bus.Subscribe("slow", 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		bus.Publish(FrameProduced{Seq: uint64(i)})
	}

	stats := bus.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Equal(t, uint64(1), stats.Subscribers["slow"].Sent)
	assert.Equal(t, uint64(4), stats.Subscribers["slow"].Dropped)
}

func TestBus_SubscribeErrors(t *testing.T) {
	bus := NewBus()

	_, err := bus.Subscribe("a", 1)
	require.NoError(t, err)
	_, err = bus.Subscribe("a", 1)
	assert.ErrorIs(t, err, ErrSubscriberExists)
	assert.ErrorIs(t, bus.Unsubscribe("missing"), ErrSubscriberNotFound)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	_, err = bus.Subscribe("b", 1)
	assert.ErrorIs(t, err, ErrBusClosed)

	// publishing after close is ignored
	bus.Publish(OutputActivated{})
}

func TestBus_CloseClosesChannels(t *testing.T) {
	bus := NewBus()
	ch, err := bus.Subscribe("a", 1)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, open := <-ch
	assert.False(t, open)
}
