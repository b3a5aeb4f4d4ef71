package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestBufferPool_ExclusiveCheckout(t *testing.T) {
	p, err := NewBufferPool(2, 16)
	require.NoError(t, err)

	a, err := p.Get()
	require.NoError(t, err)
	b, err := p.Get()
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Len(t, a.Data, 16)

	_, err = p.Get()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	a.Release()
	c, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, a, c)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, uint64(1), stats.Exhausted)
}

func TestBufferPool_DoubleReleaseIgnored(t *testing.T) {
	p, err := NewBufferPool(1, 4)
	require.NoError(t, err)

	b, err := p.Get()
	require.NoError(t, err)
	b.Release()
	b.Release()

	stats := p.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, uint64(1), stats.DoubleReleases)
}

func TestBufferPool_Close(t *testing.T) {
	p, err := NewBufferPool(2, 4)
	require.NoError(t, err)
	held, err := p.Get()
	require.NoError(t, err)

	p.Close()
	p.Close()

	_, err = p.Get()
	assert.ErrorIs(t, err, ErrPoolClosed)

	held.Release()
	stats := p.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 0, stats.InUse)
}

func TestNewBufferPool_Invalid(t *testing.T) {
	_, err := NewBufferPool(0, 4)
	assert.Error(t, err)
}
