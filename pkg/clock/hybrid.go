package clock

import (
	"fmt"
	"sync/atomic"
	"time"
)

// bitsForLogical is the number of low bits reserved for the logical component.
const bitsForLogical = 12

// MaxPhysicalMicros is the largest physical component a HybridTime can carry.
const MaxPhysicalMicros = uint64(1)<<(64-bitsForLogical) - 1

// HybridTime packs physical microseconds and a logical counter into one uint64.
type HybridTime uint64

func FromMicros(micros uint64) HybridTime {
	return HybridTime(micros << bitsForLogical)
}

func (ht HybridTime) PhysicalMicros() uint64 {
	return uint64(ht) >> bitsForLogical
}

func (ht HybridTime) Logical() uint64 {
	return uint64(ht) & (1<<bitsForLogical - 1)
}

func (ht HybridTime) String() string {
	return fmt.Sprintf("{ physical: %d logical: %d }", ht.PhysicalMicros(), ht.Logical())
}

// Clock hands out monotonically increasing hybrid timestamps.
type Clock interface {
	Now() HybridTime
	Update(observed HybridTime)
}

// HybridClock is a Clock driven by the wall clock and an atomic high-water mark.
type HybridClock struct {
	last atomic.Uint64
	now  func() time.Time
}

func NewHybrid() *HybridClock {
	return &HybridClock{now: time.Now}
}

// NewHybridWithSource is used by tests to pin the physical clock.
func NewHybridWithSource(now func() time.Time) *HybridClock {
	return &HybridClock{now: now}
}

func (c *HybridClock) Now() HybridTime {
	physical := FromMicros(uint64(c.now().UnixMicro()))
	for {
		prev := c.last.Load()
		next := uint64(physical)
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return HybridTime(next)
		}
	}
}

// Update moves the clock forward so later Now calls are above observed.
func (c *HybridClock) Update(observed HybridTime) {
	for {
		prev := c.last.Load()
		if uint64(observed) <= prev {
			return
		}
		if c.last.CompareAndSwap(prev, uint64(observed)) {
			return
		}
	}
}

// Val returns the last timestamp handed out.
func (c *HybridClock) Val() HybridTime {
	return HybridTime(c.last.Load())
}
