// Package leak implements statistical detection of sustained process
// memory growth from a bounded window of periodic snapshots.
package leak

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/metrics"
	"github.com/gftdcojp/spillway/internal/types"
	"go.uber.org/zap"
)

// minSamples is the smallest analysis window; below it the analysis
// reports insufficient data.
const minSamples = 5

const bytesPerMB = 1024 * 1024

// Detector owns a bounded ring of memory snapshots and classifies
// sustained growth as a probable leak.
type Detector struct {
	mu      sync.Mutex
	cfg     config.LeakConfig
	sampler Sampler
	clk     clock.Clock
	logger  *zap.Logger

	monitoring bool
	baseline   types.MemorySnapshot
	samples    []types.MemorySnapshot
}

// NewDetector creates a detector. Sampling does not begin until
// StartMonitoring.
func NewDetector(cfg config.LeakConfig, sampler Sampler, clk clock.Clock, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		sampler: sampler,
		clk:     clk,
		logger:  logger,
	}
}

// StartMonitoring captures a baseline snapshot and enables sampling.
// Calling it while already monitoring is a no-op.
func (d *Detector) StartMonitoring() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitoring {
		return
	}
	d.monitoring = true
	d.baseline = d.sampler.Sample()
	d.samples = d.samples[:0]
	d.samples = append(d.samples, d.baseline)
	d.logger.Info("leak monitoring started",
		zap.Uint64("baseline_heap", d.baseline.HeapUsed),
		zap.Duration("interval", d.cfg.SamplingInterval.Duration()),
	)
}

// StopMonitoring halts sampling and returns the final analysis.
func (d *Detector) StopMonitoring() types.LeakAnalysisResult {
	result := d.PerformLeakAnalysis()
	d.mu.Lock()
	d.monitoring = false
	d.mu.Unlock()
	d.logger.Info("leak monitoring stopped",
		zap.Bool("detected", result.Detected),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("growth_mb_per_hour", result.GrowthRateMBH),
	)
	return result
}

// Monitoring reports whether sampling is active.
func (d *Detector) Monitoring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitoring
}

// Sample records one snapshot into the ring. A no-op unless monitoring.
func (d *Detector) Sample() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.monitoring {
		return
	}
	snap := d.sampler.Sample()
	d.samples = append(d.samples, snap)
	if len(d.samples) > d.cfg.MaxSamples {
		d.samples = d.samples[len(d.samples)-d.cfg.MaxSamples:]
	}
	metrics.HeapUsedBytes.Set(float64(snap.HeapUsed))
}

// Run samples on the configured interval until ctx is done. The ticker is
// driven by real time; tests drive Sample directly with a manual clock.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SamplingInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sample()
		}
	}
}

// SampleCount returns the current window size.
func (d *Detector) SampleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}

// series identifies one tracked counter inside the snapshot window.
type series struct {
	kind types.LeakType
	get  func(types.MemorySnapshot) uint64
}

var trackedSeries = []series{
	{types.LeakHeap, func(s types.MemorySnapshot) uint64 { return s.HeapUsed }},
	{types.LeakExternal, func(s types.MemorySnapshot) uint64 { return s.External }},
	{types.LeakBuffer, func(s types.MemorySnapshot) uint64 { return s.BufferBytes }},
}

// PerformLeakAnalysis classifies the current snapshot window. With fewer
// than five samples it returns a null result.
func (d *Detector) PerformLeakAnalysis() types.LeakAnalysisResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := types.LeakAnalysisResult{
		LeakType:         types.LeakUnknown,
		TimeToExhaustion: math.Inf(1),
		EvidenceCount:    len(d.samples),
	}

	if len(d.samples) < minSamples {
		result.Recommendations = []string{"insufficient data: need at least 5 samples"}
		return result
	}

	first := d.samples[0]
	last := d.samples[len(d.samples)-1]
	elapsedHours := last.Timestamp.Sub(first.Timestamp).Hours()
	if elapsedHours <= 0 {
		result.Recommendations = []string{"insufficient data: zero elapsed time in window"}
		return result
	}

	// Growth rate per tracked series; the dominant one names the leak.
	var maxRate float64
	for _, ts := range trackedSeries {
		rate := (float64(ts.get(last)) - float64(ts.get(first))) / bytesPerMB / elapsedHours
		if rate > maxRate {
			maxRate = rate
			result.LeakType = ts.kind
		}
	}
	result.GrowthRateMBH = maxRate

	// Consistency: fraction of consecutive pairs with non-decreasing heap.
	var nonDecreasing int
	for i := 1; i < len(d.samples); i++ {
		if d.samples[i].HeapUsed >= d.samples[i-1].HeapUsed {
			nonDecreasing++
		}
	}
	consistency := float64(nonDecreasing) / float64(len(d.samples)-1)

	magnitude := 0.0
	if d.cfg.LeakThresholdMBH > 0 {
		magnitude = math.Min(maxRate/(3*d.cfg.LeakThresholdMBH), 1)
	}
	result.Confidence = 0.6*consistency + 0.4*magnitude

	result.Detected = maxRate > d.cfg.LeakThresholdMBH && result.Confidence > d.cfg.ConfidenceThreshold

	if maxRate > 0 {
		ceilingMB := float64(d.cfg.AssumedHeapCeiling) / bytesPerMB
		currentMB := float64(last.HeapUsed) / bytesPerMB
		result.TimeToExhaustion = (ceilingMB - currentMB) / maxRate
	}

	result.Recommendations = recommendations(result)

	metrics.LeakConfidence.Set(result.Confidence)
	metrics.LeakGrowthRate.Set(result.GrowthRateMBH)

	if result.Detected {
		d.logger.Warn("probable memory leak",
			zap.Stringer("leak_type", result.LeakType),
			zap.Float64("growth_mb_per_hour", result.GrowthRateMBH),
			zap.Float64("confidence", result.Confidence),
			zap.Float64("hours_to_exhaustion", result.TimeToExhaustion),
		)
	}
	return result
}

// recommendations derives operator guidance from the leak type and growth
// magnitude.
func recommendations(r types.LeakAnalysisResult) []string {
	if !r.Detected {
		if r.GrowthRateMBH > 0 {
			return []string{"growth observed but below detection thresholds; keep monitoring"}
		}
		return []string{"no sustained growth observed"}
	}

	var recs []string
	switch r.LeakType {
	case types.LeakHeap:
		recs = append(recs,
			"inspect long-lived references: caches, maps, and goroutine-held slices",
			"capture a heap profile and diff allocations across the run")
	case types.LeakExternal:
		recs = append(recs,
			"audit off-heap usage: mmap regions, cgo allocations, and file descriptors")
	case types.LeakBuffer:
		recs = append(recs,
			"check goroutine count and stack growth; look for unbounded buffering")
	default:
		recs = append(recs, "growth source unclear; correlate with operation counters")
	}

	if r.TimeToExhaustion < 24 {
		recs = append(recs, "exhaustion projected within a day: schedule a restart window")
	}
	if r.GrowthRateMBH > 500 {
		recs = append(recs, "growth rate is severe; reduce intensity or abort the run")
	}
	return recs
}
