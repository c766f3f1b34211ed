// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// RateEstimator tracks a monotonically increasing event counter (the
// filesystem transid) and estimates how fast it grows, so the transid
// watcher can poll adaptively instead of on a fixed interval.
type RateEstimator struct {
	mu    sync.Mutex
	decay time.Duration
	init  bool
	count uint64
	rate  float64 // events per second, exponentially weighted
	last  time.Time
}

// maxEstimate caps SecondsFor when the observed rate is (near) zero.
const maxEstimate = time.Hour

// NewRateEstimator creates an estimator whose rate average decays
// over roughly the given duration.
func NewRateEstimator(decay time.Duration) *RateEstimator {
	if decay <= 0 {
		decay = 10 * time.Minute
	}
	return &RateEstimator{decay: decay}
}

// Update records a fresh sample of the counter.
func (re *RateEstimator) Update(count uint64) {
	now := time.Now()
	re.mu.Lock()
	defer re.mu.Unlock()
	if !re.init {
		re.init = true
		re.count = count
		re.last = now
		return
	}
	dt := now.Sub(re.last).Seconds()
	if dt <= 0 {
		if count > re.count {
			re.count = count
		}
		return
	}
	var inst float64
	if count > re.count {
		inst = float64(count-re.count) / dt
	}
	alpha := 1 - math.Exp(-dt/re.decay.Seconds())
	re.rate += alpha * (inst - re.rate)
	if count > re.count {
		re.count = count
	}
	re.last = now
}

// Count returns the most recently sampled counter value.
func (re *RateEstimator) Count() uint64 {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.count
}

// RatePerSec returns the estimated event rate.
func (re *RateEstimator) RatePerSec() float64 {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.rate
}

// SecondsFor estimates the wall time until n more events occur,
// capped at maxEstimate.
func (re *RateEstimator) SecondsFor(n uint64) time.Duration {
	re.mu.Lock()
	rate := re.rate
	re.mu.Unlock()
	if rate <= 0 {
		return maxEstimate
	}
	secs := float64(n) / rate
	if secs > maxEstimate.Seconds() {
		return maxEstimate
	}
	return time.Duration(secs * float64(time.Second))
}

func (re *RateEstimator) String() string {
	re.mu.Lock()
	defer re.mu.Unlock()
	return fmt.Sprintf("count %d rate %.6g/s", re.count, re.rate)
}
