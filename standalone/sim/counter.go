package sim

import (
	"sync"

	"spindlesync/standalone/encoder"
)

// Counter models a quadrature counter peripheral: the position register
// wraps to encoder.MaxPosition below zero and a compare interrupt fires
// whenever the count crosses zero.
type Counter struct {
	mu     sync.Mutex
	cfg    encoder.CounterConfig
	count  int64
	index  uint32
	cpr    int64
	onZero func()
}

// NewCounter creates a counter that bumps its index register every cpr
// counts
func NewCounter(cpr uint32) *Counter {
	if cpr == 0 {
		cpr = 360
	}
	return &Counter{cpr: int64(cpr)}
}

func (c *Counter) Configure(cfg encoder.CounterConfig) error {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// OnZeroCross installs the compare interrupt handler
func (c *Counter) OnZeroCross(fn func()) {
	c.mu.Lock()
	c.onZero = fn
	c.mu.Unlock()
}

// Position returns the raw register
func (c *Counter) Position() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count < 0 {
		return uint32(int64(encoder.MaxPosition) + c.count)
	}
	return uint32(c.count)
}

func (c *Counter) Index() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Reverse is the direction status bit, set while below zero
func (c *Counter) Reverse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count < 0
}

func (c *Counter) Reset() error {
	c.mu.Lock()
	c.count = 0
	c.index = 0
	c.mu.Unlock()
	return nil
}

// Advance moves the count by n, honouring the configured direction
// inversion
func (c *Counter) Advance(n int64) {
	c.mu.Lock()
	if c.cfg.DirectionInvert {
		n = -n
	}
	before := c.count
	c.count += n
	if c.cpr > 0 {
		revs := abs(c.count)/c.cpr - abs(before)/c.cpr
		if revs > 0 {
			c.index += uint32(revs)
		}
	}
	crossed := (before < 0) != (c.count < 0)
	fn := c.onZero
	c.mu.Unlock()

	if crossed && fn != nil {
		fn()
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
