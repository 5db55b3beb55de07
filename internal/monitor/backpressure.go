package monitor

import (
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
)

// rateWindow is the trailing window used to estimate throughput.
const rateWindow = 5 * time.Second

type BackpressureConfig struct {
	MaxBufferSize     datasize.ByteSize `yaml:"max_buffer_size"`
	TargetRate        datasize.ByteSize `yaml:"target_rate"` // per second
	PressureThreshold float64           `yaml:"pressure_threshold"`
	RecoveryTime      time.Duration     `yaml:"recovery_time"`
}

func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxBufferSize:     1 * datasize.MB,
		TargetRate:        100 * datasize.MB,
		PressureThreshold: 0.8,
		RecoveryTime:      100 * time.Millisecond,
	}
}

type rateSample struct {
	at    time.Time
	bytes int64
}

// Controller decides when a stream should be throttled. A single Controller
// is shared by the reader and writer decorators of one stream.
type Controller struct {
	mu sync.Mutex

	cfg         BackpressureConfig
	bufferSize  int64
	transferred int64
	samples     []rateSample
	triggered   bool
	lastTrigger time.Time
	throttled   time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

type ControllerOption func(*Controller)

// WithClock replaces the wall clock and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) ControllerOption {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

func NewController(cfg BackpressureConfig, opts ...ControllerOption) *Controller {
	c := &Controller{
		cfg:   cfg,
		now:   time.Now,
		sleep: time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ShouldApply records bytesSoFar as a throughput sample and reports whether
// the caller must wait. It stays true until RecoveryTime has passed since
// the most recent triggering observation.
func (c *Controller) ShouldApply(bytesSoFar int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.addSample(now, bytesSoFar)

	if c.pressureLocked() > c.cfg.PressureThreshold {
		c.triggered = true
		c.lastTrigger = now
		return true
	}
	if c.triggered {
		if now.Sub(c.lastTrigger) < c.cfg.RecoveryTime {
			return true
		}
		c.triggered = false
	}
	return false
}

// Delay returns max(0, recovery − time since the last trigger).
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayLocked()
}

// Wait sleeps for the current delay, if any, and returns it.
func (c *Controller) Wait() time.Duration {
	c.mu.Lock()
	d := c.delayLocked()
	if d > 0 {
		c.throttled += d
	}
	sleep := c.sleep
	c.mu.Unlock()

	if d > 0 {
		sleep(d)
	}
	return d
}

// UpdateBufferSize records the amount of data currently buffered downstream.
func (c *Controller) UpdateBufferSize(n int64) {
	c.mu.Lock()
	c.bufferSize = n
	c.mu.Unlock()
}

// AddTransferred advances the cumulative byte count of the stream.
func (c *Controller) AddTransferred(n int64) {
	c.mu.Lock()
	c.transferred += n
	c.mu.Unlock()
}

func (c *Controller) Transferred() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred
}

// Rate returns the estimated throughput in bytes per second over the
// trailing window.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLocked()
}

// Throttled returns the total time spent waiting.
func (c *Controller) Throttled() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttled
}

func (c *Controller) delayLocked() time.Duration {
	if !c.triggered {
		return 0
	}
	d := c.cfg.RecoveryTime - c.now().Sub(c.lastTrigger)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Controller) addSample(now time.Time, bytes int64) {
	c.samples = append(c.samples, rateSample{at: now, bytes: bytes})
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

func (c *Controller) rateLocked() float64 {
	if len(c.samples) < 2 {
		return 0
	}
	first, last := c.samples[0], c.samples[len(c.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

func (c *Controller) pressureLocked() float64 {
	var bufferRatio, rateRatio float64
	if c.cfg.MaxBufferSize > 0 {
		bufferRatio = float64(c.bufferSize) / float64(c.cfg.MaxBufferSize)
	}
	if c.cfg.TargetRate > 0 {
		rateRatio = c.rateLocked() / float64(c.cfg.TargetRate)
	}
	return max(bufferRatio, rateRatio)
}
