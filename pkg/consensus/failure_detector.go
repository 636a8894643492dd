package consensus

import (
	"sync"
	"time"
)

// defaultFailureWait starts the detector with its regular period.
const defaultFailureWait time.Duration = -1

// failureDetector is a periodic timer that fires onExpire when it has not been
// snoozed for a whole period.
type failureDetector struct {
	period   time.Duration
	onExpire func()

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	// gen invalidates timers that were replaced while already firing.
	gen uint64
}

func newFailureDetector(period time.Duration, onExpire func()) *failureDetector {
	return &failureDetector{period: period, onExpire: onExpire}
}

// Start arms the detector. initial overrides the first period; use
// defaultFailureWait for the regular one.
func (fd *failureDetector) Start(initial time.Duration) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.running = true
	if initial < 0 {
		initial = fd.period
	}
	fd.armLocked(initial)
}

func (fd *failureDetector) Stop() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.running = false
	fd.gen++
	if fd.timer != nil {
		fd.timer.Stop()
		fd.timer = nil
	}
}

// Snooze pushes the next expiry to now+delta. It is a no-op while stopped.
func (fd *failureDetector) Snooze(delta time.Duration) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if !fd.running {
		return
	}
	if delta < 0 {
		delta = fd.period
	}
	fd.armLocked(delta)
}

func (fd *failureDetector) Running() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.running
}

func (fd *failureDetector) armLocked(d time.Duration) {
	fd.gen++
	gen := fd.gen
	if fd.timer != nil {
		fd.timer.Stop()
	}
	fd.timer = time.AfterFunc(d, func() { fd.fire(gen) })
}

func (fd *failureDetector) fire(gen uint64) {
	fd.mu.Lock()
	if !fd.running || gen != fd.gen {
		fd.mu.Unlock()
		return
	}
	fd.armLocked(fd.period)
	fd.mu.Unlock()

	fd.onExpire()
}
