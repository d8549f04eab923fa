package perfstats

import (
	"sync"
	"time"
)

// TimeAccumulator measures how long something takes, on average.
// It is safe for concurrent use.
type TimeAccumulator struct {
	lock    sync.Mutex
	samples int64
	total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples = 0
	a.total = 0
}

// AddSample records one measurement that covered n items (eg a batch of n images).
func (a *TimeAccumulator) AddSample(v time.Duration, n int) {
	if n <= 0 {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples += int64(n)
	a.total += v
}

// Time records time.Since(start) for n items
func (a *TimeAccumulator) Time(start time.Time, n int) {
	a.AddSample(time.Since(start), n)
}

// Average per item
func (a *TimeAccumulator) Average() time.Duration {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.samples == 0 {
		return 0
	}
	return time.Duration(a.total.Nanoseconds() / a.samples)
}

func (a *TimeAccumulator) Samples() int64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.samples
}
