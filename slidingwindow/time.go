package slidingwindow

import (
	"sync"
	"time"

	"github.com/hugolhafner/guardkit/clock"
)

var _ Window = (*TimeWindow)(nil)

type bucket struct {
	epoch    int64
	total    int
	success  int
	failure  int
	slow     int
	duration time.Duration
}

func (b *bucket) clear(epoch int64) {
	*b = bucket{epoch: epoch}
}

// TimeWindow aggregates outcomes over the last N one-second epochs. Each
// epoch owns one partial-aggregate bucket; stale buckets are overwritten
// lazily as time moves on.
type TimeWindow struct {
	clk clock.Clock

	mu      sync.Mutex
	buckets []bucket
}

func NewTimeWindow(sizeSeconds int, clk clock.Clock) *TimeWindow {
	if sizeSeconds < 1 {
		sizeSeconds = 1
	}
	if clk == nil {
		clk = clock.Wall()
	}

	w := &TimeWindow{
		clk:     clk,
		buckets: make([]bucket, sizeSeconds),
	}
	w.Reset()
	return w
}

func (w *TimeWindow) epochNow() int64 {
	return w.clk.Nanos() / int64(time.Second)
}

func (w *TimeWindow) bucketFor(now int64) *bucket {
	idx := int(now % int64(len(w.buckets)))
	b := &w.buckets[idx]
	if b.epoch != now {
		b.clear(now)
	}
	return b
}

func (w *TimeWindow) Record(outcome Outcome, duration time.Duration) Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.epochNow()
	b := w.bucketFor(now)

	b.total++
	if outcome.isFailure() {
		b.failure++
	} else {
		b.success++
	}
	if outcome.isSlow() {
		b.slow++
	}
	b.duration += duration

	return w.snapshotLocked(now)
}

func (w *TimeWindow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked(w.epochNow())
}

func (w *TimeWindow) snapshotLocked(now int64) Snapshot {
	oldest := now - int64(len(w.buckets)) + 1

	var s Snapshot
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epoch < oldest || b.epoch > now {
			continue
		}
		s.TotalCalls += b.total
		s.SuccessfulCalls += b.success
		s.FailedCalls += b.failure
		s.SlowCalls += b.slow
		s.TotalDuration += b.duration
	}
	return s
}

func (w *TimeWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.epochNow()
	for i := range w.buckets {
		// Seed each slot with an epoch that is already stale so it
		// contributes nothing until written.
		w.buckets[i] = bucket{epoch: now - int64(len(w.buckets))}
	}
}
