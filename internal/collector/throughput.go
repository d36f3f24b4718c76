package collector

import (
	"math"
	"time"
)

const bytesPerMB = 1 << 20

// Throughput converts cumulative network byte counters into MB/s rates.
// It keeps only the previous sample.
//
// A counter that goes backwards (adapter reset, 32-bit wrap) is a reset: that
// direction reports 0 for the sample and the new value becomes the baseline.
type Throughput struct {
	prevRecv uint64
	prevSent uint64
	prevAt   time.Time
	primed   bool
}

// Observe records a sample and returns the download and upload rates since
// the previous one. The first sample only establishes the baseline.
func (t *Throughput) Observe(recv, sent uint64, at time.Time) (downMBps, upMBps float64) {
	if t.primed {
		secs := at.Sub(t.prevAt).Seconds()
		if secs > 0 {
			downMBps = rate(t.prevRecv, recv, secs)
			upMBps = rate(t.prevSent, sent, secs)
		}
	}
	t.prevRecv, t.prevSent, t.prevAt, t.primed = recv, sent, at, true
	return downMBps, upMBps
}

func rate(prev, cur uint64, secs float64) float64 {
	if cur < prev {
		return 0
	}
	mbps := float64(cur-prev) / secs / bytesPerMB
	return math.Round(mbps*100) / 100
}
