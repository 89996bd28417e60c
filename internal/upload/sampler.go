package upload

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// sampler derives transfer speed from byte counts spaced at least interval
// apart. Samples closer together than that are too noisy to report.
type sampler struct {
	clock    clockwork.Clock
	interval time.Duration
	total    int64

	lastAt    time.Time
	lastBytes int64
}

func newSampler(clock clockwork.Clock, interval time.Duration, startBytes, total int64) *sampler {
	return &sampler{
		clock:     clock,
		interval:  interval,
		total:     total,
		lastAt:    clock.Now(),
		lastBytes: startBytes,
	}
}

// observe records the current byte count. It reports ok=false until interval
// has elapsed since the previous sample.
func (s *sampler) observe(bytes int64) (speed float64, eta time.Duration, ok bool) {
	now := s.clock.Now()
	elapsed := now.Sub(s.lastAt)
	if elapsed < s.interval {
		return 0, 0, false
	}

	speed = float64(bytes-s.lastBytes) / elapsed.Seconds()
	if speed > 0 {
		remaining := float64(s.total - bytes)
		eta = time.Duration(remaining / speed * float64(time.Second))
	}

	s.lastAt = now
	s.lastBytes = bytes
	return speed, eta, true
}
