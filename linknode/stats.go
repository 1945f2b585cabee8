package linknode

import (
	"sync"

	"github.com/lightningnetwork/lnd/clock"
)

// maxPointsPerSeries bounds each timeseries.
const maxPointsPerSeries = 100_000

// StatPoint is one timeseries sample.
type StatPoint struct {
	// Timestamp is a unix timestamp.
	Timestamp int64

	Value float64
}

// statsGatherer accumulates named counter timeseries, sampled on every
// increment. Old points fall off the front when a series hits its cap.
type statsGatherer struct {
	clock clock.Clock

	mu     sync.Mutex
	series map[string][]StatPoint
	totals map[string]float64
}

func newStatsGatherer(clk clock.Clock) *statsGatherer {
	return &statsGatherer{
		clock:  clk,
		series: make(map[string][]StatPoint),
		totals: make(map[string]float64),
	}
}

// incr adds delta to the named counter and records a sample.
func (s *statsGatherer) incr(key string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totals[key] += delta
	points := append(s.series[key], StatPoint{
		Timestamp: s.clock.Now().Unix(),
		Value:     s.totals[key],
	})
	if len(points) > maxPointsPerSeries {
		points = points[len(points)-maxPointsPerSeries:]
	}
	s.series[key] = points
}

// get returns the samples of a series within [start, end].
func (s *statsGatherer) get(key string, start, end int64) []StatPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StatPoint
	for _, p := range s.series[key] {
		if p.Timestamp >= start && p.Timestamp <= end {
			out = append(out, p)
		}
	}

	return out
}
