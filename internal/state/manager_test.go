package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vtcast/internal/clock"
)

func TestManager_Transitions(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(clk)

	_, ok := m.Get("program")
	assert.False(t, ok)
	assert.False(t, m.IsLive("program"))

	m.SetLive("program")
	st, ok := m.Get("program")
	require.True(t, ok)
	assert.True(t, st.Live)
	assert.Zero(t, st.Transitions)
	started := st.Since

	clk.Advance(time.Minute)
	m.SetLive("program")
	st, _ = m.Get("program")
	assert.Equal(t, started, st.Since, "repeating the same state keeps Since")
	assert.Equal(t, started.Add(time.Minute), st.UpdatedAt)

	clk.Advance(time.Minute)
	m.SetDown("program", "encoder exceeded restart limit")
	st, _ = m.Get("program")
	assert.False(t, st.Live)
	assert.Equal(t, "encoder exceeded restart limit", st.Reason)
	assert.Equal(t, 1, st.Transitions)
	assert.Equal(t, started.Add(2*time.Minute), st.Since)
}

func TestManager_OnChangeOnlyOnFlip(t *testing.T) {
	m := NewManager(nil)

	var changes []Status
	m.OnChange(func(_, next Status) { changes = append(changes, next) })

	m.SetLive("a")
	m.SetLive("a")
	m.SetDown("a", "stopped")
	m.SetDown("a", "still stopped")

	require.Len(t, changes, 2)
	assert.True(t, changes[0].Live)
	assert.False(t, changes[1].Live)
}

func TestManager_AllSortedAndForget(t *testing.T) {
	m := NewManager(nil)
	m.SetLive("b")
	m.SetDown("a", "")

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].StreamID)
	assert.Equal(t, "b", all[1].StreamID)

	m.Forget("a")
	assert.Len(t, m.All(), 1)
}

func TestManager_WaitFor(t *testing.T) {
	m := NewManager(nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.SetLive("program")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitFor(ctx, "program", true))

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, m.WaitFor(short, "program", false), context.DeadlineExceeded)
}
