package flash

import (
	"time"
)

const (
	// below this rate the ETA is reported as unknown (0)
	minSpeedForETA = 1.0
	maxETASeconds  = 99*3600 + 59*60 + 59
)

type sample struct {
	at    time.Time
	bytes int64
}

// meter computes throughput over a rolling time window.
type meter struct {
	window  time.Duration
	samples []sample
}

func newMeter(window time.Duration, start time.Time) *meter {
	return &meter{
		window:  window,
		samples: []sample{{at: start}},
	}
}

// add records the cumulative byte count at time t and drops samples that
// fell out of the window, always keeping one older anchor.
func (m *meter) add(t time.Time, total int64) {
	m.samples = append(m.samples, sample{at: t, bytes: total})

	cutoff := t.Add(-m.window)
	drop := 0
	for drop < len(m.samples)-2 && !m.samples[drop+1].at.After(cutoff) {
		drop++
	}
	m.samples = m.samples[drop:]
}

// rate returns bytes per second across the window.
func (m *meter) rate() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	first, last := m.samples[0], m.samples[len(m.samples)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / dt
}

// eta returns the remaining seconds clamped to [0, maxETASeconds]; 0 means
// unknown.
func eta(remaining int64, speed float64) int64 {
	if remaining <= 0 || speed < minSpeedForETA {
		return 0
	}
	secs := float64(remaining) / speed
	if secs > maxETASeconds {
		return maxETASeconds
	}
	return int64(secs + 0.5)
}
