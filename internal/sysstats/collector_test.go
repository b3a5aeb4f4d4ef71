package sysstats

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(t.TempDir())
	assert.True(t, c.Last().CollectedAt.IsZero())

	s := c.Collect(context.Background())
	assert.Equal(t, runtime.GOOS, s.OS)
	assert.Equal(t, runtime.GOARCH, s.Arch)
	assert.False(t, s.CollectedAt.IsZero())
	assert.GreaterOrEqual(t, s.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, s.MemoryPercent, 0.0)
	assert.LessOrEqual(t, s.MemoryPercent, 100.0)

	assert.Equal(t, s.CollectedAt, c.Last().CollectedAt)
	assert.Positive(t, c.Uptime())
}
