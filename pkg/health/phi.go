package health

import (
	"math"
	"sync"
	"time"
)

// Detector observes heartbeats and scores how suspicious a peer's silence
// is. It is advisory only — the join/leave protocols make their
// membership decisions from HasMajority and the epoch log, never from
// Phi alone.
type Detector interface {
	Observe(id string, t time.Time)
	Phi(id string, now time.Time) float64
	Remove(id string)
}

const minSamples = 4

// PhiAccrual implements the Hayashibara phi-accrual failure detector:
// each peer's recent inter-arrival times fit a distribution, and Phi
// is -log10(P(no heartbeat for this long)). A higher Phi means longer
// than usual since the last heartbeat.
type PhiAccrual struct {
	mu         sync.Mutex
	windowSize int
	minStdDev  time.Duration
	history    map[string]*sampleWindow
}

type sampleWindow struct {
	last    time.Time
	samples []float64 // inter-arrival intervals, in seconds
}

// NewPhiAccrual creates a detector keeping the last windowSize
// inter-arrival samples per peer (16 if <= 0), floored to minStdDev
// (100ms if <= 0) so a peer with a couple of low-jitter heartbeats
// doesn't produce a runaway Phi from a near-zero variance.
func NewPhiAccrual(windowSize int, minStdDev time.Duration) *PhiAccrual {
	if windowSize <= 0 {
		windowSize = 16
	}
	if minStdDev <= 0 {
		minStdDev = 100 * time.Millisecond
	}
	return &PhiAccrual{
		windowSize: windowSize,
		minStdDev:  minStdDev,
		history:    make(map[string]*sampleWindow),
	}
}

// Observe records a heartbeat from id at time t.
func (d *PhiAccrual) Observe(id string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.history[id]
	if !ok {
		d.history[id] = &sampleWindow{last: t}
		return
	}
	if !w.last.IsZero() && t.After(w.last) {
		interval := t.Sub(w.last).Seconds()
		w.samples = append(w.samples, interval)
		if len(w.samples) > d.windowSize {
			w.samples = w.samples[len(w.samples)-d.windowSize:]
		}
	}
	w.last = t
}

// Phi returns the current suspicion score for id, or 0 if id is unknown
// or has too few samples to fit a distribution.
func (d *PhiAccrual) Phi(id string, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.history[id]
	if !ok || len(w.samples) < minSamples || w.last.IsZero() {
		return 0
	}
	mean, stddev := meanStdDev(w.samples)
	if stddev < d.minStdDev.Seconds() {
		stddev = d.minStdDev.Seconds()
	}
	elapsed := now.Sub(w.last).Seconds()
	if elapsed <= 0 {
		return 0
	}
	p := 1 - normalCDF(elapsed, mean, stddev)
	if p <= 0 {
		p = math.SmallestNonzeroFloat64
	}
	return -math.Log10(p)
}

// Remove drops all history for id.
func (d *PhiAccrual) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, id)
}

func meanStdDev(xs []float64) (mean, stddev float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

func normalCDF(x, mean, stddev float64) float64 {
	return 0.5 * (1 + math.Erf((x-mean)/(stddev*math.Sqrt2)))
}
