package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	assert.GreaterOrEqual(t, c.Since(start), time.Duration(0))

	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker never fired")
	}
}

func TestMockClockAdvanceFiresTicker(t *testing.T) {
	c := NewMockClock(epoch)
	tk := c.NewTicker(100 * time.Millisecond)

	c.Advance(50 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its interval")
	default:
	}

	c.Advance(50 * time.Millisecond)
	select {
	case got := <-tk.C():
		assert.Equal(t, epoch.Add(100*time.Millisecond), got)
	default:
		t.Fatal("ticker did not fire at its interval")
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockClockAfter(t *testing.T) {
	c := NewMockClock(epoch)
	ch := c.After(time.Second)
	c.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	c.Advance(time.Millisecond)
	require.Len(t, ch, 1)
	assert.Equal(t, epoch.Add(time.Second), <-ch)

	immediate := c.After(0)
	require.Len(t, immediate, 1)
}

func TestMockClockSleepAdvances(t *testing.T) {
	c := NewMockClock(epoch)
	c.Sleep(2 * time.Second)
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second}, c.Sleeps())
	assert.Equal(t, 2*time.Second, c.Since(epoch))
}

func TestMockTickerTriggerDoesNotBlock(t *testing.T) {
	c := NewMockClock(epoch)
	tk := c.NewTicker(time.Second).(*MockTicker)
	tk.Trigger(epoch)
	tk.Trigger(epoch.Add(time.Second))
	assert.Equal(t, epoch, <-tk.C())
	assert.Equal(t, 1, c.Tickers())
}
