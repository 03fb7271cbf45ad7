package leak

import (
	"math"
	"testing"
	"time"

	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/types"
	"go.uber.org/zap"
)

// scriptedSampler replays a canned snapshot sequence, repeating the last
// entry once exhausted.
type scriptedSampler struct {
	snaps []types.MemorySnapshot
	next  int
}

func (s *scriptedSampler) Sample() types.MemorySnapshot {
	if s.next >= len(s.snaps) {
		return s.snaps[len(s.snaps)-1]
	}
	snap := s.snaps[s.next]
	s.next++
	return snap
}

func leakConfig() config.LeakConfig {
	return config.LeakConfig{
		SamplingInterval:    config.Duration(5 * time.Second),
		MaxSamples:          120,
		LeakThresholdMBH:    50,
		ConfidenceThreshold: 0.7,
		AssumedHeapCeiling:  config.ByteSize(4 << 30),
	}
}

// risingHeap builds n snapshots spread over window, with heap growing by
// stepMB each sample and the other series flat.
func risingHeap(start time.Time, n int, window time.Duration, baseMB, stepMB uint64) []types.MemorySnapshot {
	snaps := make([]types.MemorySnapshot, n)
	interval := window / time.Duration(n-1)
	for i := range snaps {
		snaps[i] = types.MemorySnapshot{
			Timestamp:   start.Add(time.Duration(i) * interval),
			HeapUsed:    (baseMB + uint64(i)*stepMB) << 20,
			HeapTotal:   1 << 30,
			External:    64 << 20,
			RSS:         1 << 30,
			BufferBytes: 8 << 20,
		}
	}
	return snaps
}

func drive(t *testing.T, d *Detector, n int) {
	t.Helper()
	d.StartMonitoring() // consumes the first scripted snapshot as baseline
	for i := 1; i < n; i++ {
		d.Sample()
	}
}

func TestInsufficientSamples(t *testing.T) {
	start := time.Unix(1000, 0)
	sampler := &scriptedSampler{snaps: risingHeap(start, 4, time.Hour, 100, 50)}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 4)
	res := d.PerformLeakAnalysis()
	if res.Detected {
		t.Error("four samples must not produce a detection")
	}
	if res.EvidenceCount != 4 {
		t.Errorf("evidenceCount = %d, want 4", res.EvidenceCount)
	}
	if !math.IsInf(res.TimeToExhaustion, 1) {
		t.Errorf("timeToExhaustion = %v, want +Inf", res.TimeToExhaustion)
	}
	if len(res.Recommendations) == 0 {
		t.Error("expected an insufficient-data recommendation")
	}
}

func TestDetectsSustainedHeapGrowth(t *testing.T) {
	// 200 MB over one hour across 5 monotone samples: rate 200 MB/h,
	// consistency 1.0, magnitude 200/150 capped at 1.0, confidence 1.0.
	start := time.Unix(1000, 0)
	sampler := &scriptedSampler{snaps: risingHeap(start, 5, time.Hour, 100, 50)}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 5)
	res := d.PerformLeakAnalysis()
	if !res.Detected {
		t.Fatalf("expected detection, got %+v", res)
	}
	if res.LeakType != types.LeakHeap {
		t.Errorf("leakType = %v, want heap", res.LeakType)
	}
	if math.Abs(res.GrowthRateMBH-200) > 1e-6 {
		t.Errorf("growthRate = %v, want 200", res.GrowthRateMBH)
	}
	if math.Abs(res.Confidence-1.0) > 1e-6 {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
	// Ceiling 4096 MB, current 300 MB, 200 MB/h: just under 19 hours left.
	if math.Abs(res.TimeToExhaustion-(4096-300)/200.0) > 1e-6 {
		t.Errorf("timeToExhaustion = %v", res.TimeToExhaustion)
	}
	if len(res.Recommendations) == 0 {
		t.Error("expected recommendations for a detected leak")
	}
}

func TestFlatUsageNotDetected(t *testing.T) {
	start := time.Unix(1000, 0)
	sampler := &scriptedSampler{snaps: risingHeap(start, 6, time.Hour, 100, 0)}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 6)
	res := d.PerformLeakAnalysis()
	if res.Detected {
		t.Fatalf("flat usage flagged: %+v", res)
	}
	if res.GrowthRateMBH != 0 {
		t.Errorf("growthRate = %v, want 0", res.GrowthRateMBH)
	}
	if !math.IsInf(res.TimeToExhaustion, 1) {
		t.Errorf("timeToExhaustion = %v, want +Inf", res.TimeToExhaustion)
	}
}

func TestGrowthBelowThresholdNotDetected(t *testing.T) {
	// 40 MB over one hour: below the 50 MB/h threshold despite perfect
	// consistency.
	start := time.Unix(1000, 0)
	sampler := &scriptedSampler{snaps: risingHeap(start, 5, time.Hour, 100, 10)}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 5)
	res := d.PerformLeakAnalysis()
	if res.Detected {
		t.Fatalf("sub-threshold growth flagged: %+v", res)
	}
	if math.Abs(res.GrowthRateMBH-40) > 1e-6 {
		t.Errorf("growthRate = %v, want 40", res.GrowthRateMBH)
	}
}

func TestNoisyGrowthLowersConfidence(t *testing.T) {
	// Net growth over threshold but heap dips on half the steps, dragging
	// consistency down below the confidence bar.
	start := time.Unix(1000, 0)
	snaps := risingHeap(start, 9, time.Hour, 100, 12)
	for i := 1; i < len(snaps); i += 2 {
		snaps[i].HeapUsed -= 40 << 20
	}
	sampler := &scriptedSampler{snaps: snaps}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 9)
	res := d.PerformLeakAnalysis()
	if res.Detected {
		t.Fatalf("noisy series flagged: %+v", res)
	}
	if res.Confidence >= 0.7 {
		t.Errorf("confidence = %v, want below threshold", res.Confidence)
	}
}

func TestClassifiesExternalGrowth(t *testing.T) {
	start := time.Unix(1000, 0)
	snaps := risingHeap(start, 5, time.Hour, 100, 0)
	for i := range snaps {
		snaps[i].External += uint64(i) * (75 << 20)
		// Keep heap nudging upward so consistency stays high.
		snaps[i].HeapUsed += uint64(i) << 20
	}
	sampler := &scriptedSampler{snaps: snaps}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 5)
	res := d.PerformLeakAnalysis()
	if !res.Detected {
		t.Fatalf("external growth not detected: %+v", res)
	}
	if res.LeakType != types.LeakExternal {
		t.Errorf("leakType = %v, want external", res.LeakType)
	}
}

func TestWindowIsBounded(t *testing.T) {
	start := time.Unix(1000, 0)
	cfg := leakConfig()
	cfg.MaxSamples = 10
	sampler := &scriptedSampler{snaps: risingHeap(start, 30, time.Hour, 100, 5)}
	d := NewDetector(cfg, sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 30)
	if got := d.SampleCount(); got != 10 {
		t.Errorf("sampleCount = %d, want window cap 10", got)
	}
}

func TestSampleIgnoredWhenNotMonitoring(t *testing.T) {
	start := time.Unix(1000, 0)
	sampler := &scriptedSampler{snaps: risingHeap(start, 5, time.Hour, 100, 50)}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	d.Sample()
	if got := d.SampleCount(); got != 0 {
		t.Errorf("sampleCount = %d before StartMonitoring, want 0", got)
	}
}

func TestStopMonitoringReturnsFinalAnalysis(t *testing.T) {
	start := time.Unix(1000, 0)
	sampler := &scriptedSampler{snaps: risingHeap(start, 5, time.Hour, 100, 50)}
	d := NewDetector(leakConfig(), sampler, clock.NewManual(start), zap.NewNop())

	drive(t, d, 5)
	res := d.StopMonitoring()
	if !res.Detected {
		t.Errorf("final analysis = %+v, want detection", res)
	}
	if d.Monitoring() {
		t.Error("monitoring should be off after StopMonitoring")
	}
	d.Sample()
	if got := d.SampleCount(); got != 5 {
		t.Errorf("sampleCount = %d after stop, want unchanged 5", got)
	}
}

func TestRuntimeSamplerCountsOps(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := NewRuntimeSampler(clk)
	s.CountOp()
	s.CountOp()
	snap := s.Sample()
	if snap.OpCount != 2 {
		t.Errorf("opCount = %d, want 2", snap.OpCount)
	}
	if snap.HeapUsed == 0 || snap.RSS == 0 {
		t.Errorf("runtime snapshot looks empty: %+v", snap)
	}
	if !snap.Timestamp.Equal(clk.Now()) {
		t.Errorf("timestamp = %v, want clock time", snap.Timestamp)
	}
}
