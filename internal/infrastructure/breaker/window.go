package breaker

import "time"

// window records call outcomes while the breaker is closed.
type window interface {
	record(now time.Time, failed bool)
	snapshot(now time.Time) (total, failures int)
	reset()
}

func newWindow(s Settings) window {
	if s.SlidingWindowType == TimeBased {
		return &timeWindow{buckets: make([]bucket, s.SlidingWindowSize)}
	}
	return &countWindow{ring: make([]bool, s.SlidingWindowSize)}
}

// countWindow keeps the outcomes of the last len(ring) calls.
type countWindow struct {
	ring     []bool
	next     int
	filled   int
	failures int
}

func (w *countWindow) record(_ time.Time, failed bool) {
	if w.filled == len(w.ring) {
		if w.ring[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.ring[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.ring)
}

func (w *countWindow) snapshot(time.Time) (int, int) { return w.filled, w.failures }

func (w *countWindow) reset() {
	clear(w.ring)
	w.next, w.filled, w.failures = 0, 0, 0
}

type bucket struct {
	second   int64
	total    int
	failures int
}

// timeWindow aggregates outcomes of the last len(buckets) seconds, one bucket per second.
type timeWindow struct {
	buckets []bucket
}

func (w *timeWindow) record(now time.Time, failed bool) {
	sec := now.Unix()
	b := &w.buckets[int(sec%int64(len(w.buckets)))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	b.total++
	if failed {
		b.failures++
	}
}

func (w *timeWindow) snapshot(now time.Time) (total, failures int) {
	oldest := now.Unix() - int64(len(w.buckets))
	for _, b := range w.buckets {
		if b.second > oldest && b.total > 0 {
			total += b.total
			failures += b.failures
		}
	}
	return total, failures
}

func (w *timeWindow) reset() {
	clear(w.buckets)
}

func failureRate(total, failures int) float64 {
	if total == 0 {
		return 0
	}
	return float64(failures) * 100 / float64(total)
}
