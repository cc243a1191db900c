package slot

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/tendermint/libs/log"

	"towerbft/types"
)

func TestClockTicks(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	c := NewClock(10, 10*time.Millisecond)
	c.SetLogger(log.TestingLogger())
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()

	assert.Equal(t, types.Slot(10), c.GetSlot())

	select {
	case ti := <-c.Chan():
		assert.Equal(t, types.Slot(11), ti.Slot)
		assert.Equal(t, 10*time.Millisecond, ti.Duration)
		assert.False(t, ti.StartTime.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no tick within a second")
	}
}

func TestClockSlotAdvancesWhenConsumerBusy(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	c := NewClock(0, 5*time.Millisecond)
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()

	// Nobody reads the channel; the slot counter must keep moving anyway.
	deadline := time.After(2 * time.Second)
	for c.GetSlot() < 3 {
		select {
		case <-deadline:
			t.Fatalf("slot stuck at %d", c.GetSlot())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClockResetInterval(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	// Start with a boundary far in the future, then pull it in.
	c := NewClock(0, time.Hour)
	c.SetLogger(log.TestingLogger())
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()

	c.ResetInterval(10 * time.Millisecond)

	select {
	case ti := <-c.Chan():
		assert.Equal(t, types.Slot(1), ti.Slot)
		assert.Equal(t, 10*time.Millisecond, ti.Duration)
	case <-time.After(time.Second):
		t.Fatal("reset did not reschedule the boundary")
	}
}

func TestClockStopEndsTickRoutine(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	c := NewClock(0, time.Millisecond)
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
}
