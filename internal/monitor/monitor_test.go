package monitor

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	c.Advance(d)
}

func TestMonitorPeakAndHistory(t *testing.T) {
	m := New()
	for i := 1; i <= MaxHistory; i++ {
		m.UpdateUsage(int64(i))
	}
	assert.Len(t, m.History(), MaxHistory)

	m.UpdateUsage(5)
	h := m.History()
	require.Len(t, h, MaxHistory/2+1)
	assert.Equal(t, int64(MaxHistory/2+1), h[0].Bytes)
	assert.Equal(t, int64(5), h[len(h)-1].Bytes)

	assert.Equal(t, int64(5), m.Current())
	assert.Equal(t, int64(MaxHistory), m.Peak())

	m.Reset()
	assert.Zero(t, m.Current())
	assert.Zero(t, m.Peak())
	assert.Empty(t, m.History())
}

func TestMonitorConcurrentUpdates(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 200; i++ {
				m.UpdateUsage(base + i)
			}
		}(int64(w) * 1000)
	}
	wg.Wait()
	assert.Equal(t, int64(7199), m.Peak())
	assert.LessOrEqual(t, len(m.History()), MaxHistory)
}

func testConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxBufferSize:     100,
		TargetRate:        1000,
		PressureThreshold: 0.8,
		RecoveryTime:      100 * time.Millisecond,
	}
}

func TestBackpressureBufferTriggerAndRecovery(t *testing.T) {
	clk := newFakeClock()
	c := NewController(testConfig(), WithClock(clk.Now, clk.Sleep))

	assert.False(t, c.ShouldApply(0))
	assert.Zero(t, c.Delay())

	c.UpdateBufferSize(90)
	assert.True(t, c.ShouldApply(0))
	assert.Equal(t, 100*time.Millisecond, c.Delay())

	c.UpdateBufferSize(10)
	clk.Advance(60 * time.Millisecond)
	assert.True(t, c.ShouldApply(0), "still inside recovery window")
	assert.Equal(t, 40*time.Millisecond, c.Delay())

	clk.Advance(40 * time.Millisecond)
	assert.False(t, c.ShouldApply(0))
	assert.Zero(t, c.Delay())
}

func TestBackpressureRetriggerExtendsRecovery(t *testing.T) {
	clk := newFakeClock()
	c := NewController(testConfig(), WithClock(clk.Now, clk.Sleep))

	c.UpdateBufferSize(95)
	require.True(t, c.ShouldApply(0))

	clk.Advance(80 * time.Millisecond)
	require.True(t, c.ShouldApply(0), "buffer still full")

	c.UpdateBufferSize(0)
	clk.Advance(80 * time.Millisecond)
	assert.True(t, c.ShouldApply(0))

	clk.Advance(20 * time.Millisecond)
	assert.False(t, c.ShouldApply(0))
}

func TestBackpressureRateTrigger(t *testing.T) {
	clk := newFakeClock()
	c := NewController(testConfig(), WithClock(clk.Now, clk.Sleep))

	assert.False(t, c.ShouldApply(0))
	clk.Advance(time.Second)
	assert.True(t, c.ShouldApply(5000))
	assert.InDelta(t, 5000.0, c.Rate(), 0.001)

	// Samples older than the trailing window are discarded.
	clk.Advance(6 * time.Second)
	assert.False(t, c.ShouldApply(5000))
	assert.Zero(t, c.Rate())
}

func TestBackpressureWaitSleepsRemainingDelay(t *testing.T) {
	clk := newFakeClock()
	c := NewController(testConfig(), WithClock(clk.Now, clk.Sleep))

	c.UpdateBufferSize(100)
	require.True(t, c.ShouldApply(0))
	clk.Advance(30 * time.Millisecond)

	assert.Equal(t, 70*time.Millisecond, c.Wait())
	assert.Equal(t, []time.Duration{70 * time.Millisecond}, clk.slept)
	assert.Equal(t, 70*time.Millisecond, c.Throttled())
	assert.Zero(t, c.Wait())
}

func TestStreamDecoratorsPassThrough(t *testing.T) {
	clk := newFakeClock()
	c := NewController(testConfig(), WithClock(clk.Now, clk.Sleep))

	src := strings.Repeat("allocation-bytes", 64)
	var sink bytes.Buffer
	n, err := io.Copy(NewWriter(&sink, c), NewReader(strings.NewReader(src), c))
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Equal(t, src, sink.String())
	assert.Equal(t, int64(len(src)), c.Transferred())
	// The single 1024-byte write is far above the 100-byte buffer limit.
	assert.NotEmpty(t, clk.slept)
}
