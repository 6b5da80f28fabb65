package player

import (
	"sync"
	"time"

	"cinegate/internal/hls"
)

// bandwidthEstimator keeps an exponentially-weighted moving average of
// observed segment throughput. Nothing is measured before the first
// fragment: startup quality comes from the start-lowest policy.
type bandwidthEstimator struct {
	mu      sync.Mutex
	ewma    float64 // bits per second
	samples int
	alpha   float64
}

func newBandwidthEstimator() *bandwidthEstimator {
	return &bandwidthEstimator{alpha: 0.3}
}

func (e *bandwidthEstimator) addSample(bytes int, elapsed time.Duration) {
	if elapsed <= 0 || bytes <= 0 {
		return
	}
	bps := float64(bytes*8) / elapsed.Seconds()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 {
		e.ewma = bps
	} else {
		e.ewma = e.alpha*bps + (1-e.alpha)*e.ewma
	}
	e.samples++
}

func (e *bandwidthEstimator) estimate() (bps float64, samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ewma, e.samples
}

// pickVariant selects the highest variant whose declared bandwidth fits
// within a safety fraction of the estimate. Variants are assumed ordered as
// declared in the manifest; selection scans all of them.
func pickVariant(variants []hls.Variant, estimateBPS float64) int {
	const headroom = 0.8

	best := lowestVariant(variants)
	bestBW := int64(-1)
	for i, v := range variants {
		if float64(v.Bandwidth) <= estimateBPS*headroom && v.Bandwidth > bestBW {
			best = i
			bestBW = v.Bandwidth
		}
	}
	return best
}

// lowestVariant returns the index of the lowest-bandwidth variant, used for
// fast first-frame startup.
func lowestVariant(variants []hls.Variant) int {
	if len(variants) == 0 {
		return 0
	}
	low := 0
	for i, v := range variants {
		if v.Bandwidth < variants[low].Bandwidth {
			low = i
		}
	}
	return low
}
