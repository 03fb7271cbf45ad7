// Package stress drives the core components through a long-running,
// cooperative ingest loop: generate, transform, cache, checkpoint, and
// recover from injected or real failures.
package stress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gftdcojp/spillway/internal/cache"
	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/gen"
	"github.com/gftdcojp/spillway/internal/leak"
	"github.com/gftdcojp/spillway/internal/pipeline"
	"github.com/gftdcojp/spillway/internal/recovery"
	"github.com/gftdcojp/spillway/internal/types"
	"go.uber.org/zap"
)

// ErrAborted reports a run stopped because recovery failed permanently.
var ErrAborted = errors.New("stress run aborted: recovery failed")

// reReadStride controls how often the runner re-reads an earlier chunk to
// exercise the cache hit/promotion paths.
const reReadStride = 7

// runState is the versioned snapshot persisted inside each checkpoint.
type runState struct {
	Version    int                 `json:"version"`
	ChunkIndex int64               `json:"chunk_index"`
	Cache      types.MemoryStats   `json:"cache"`
	Pipeline   types.PipelineStats `json:"pipeline"`
}

// RunnerConfig holds dependencies for the stress runner.
type RunnerConfig struct {
	Stress   config.StressConfig
	Cache    *cache.Manager
	Stage    *pipeline.Stage
	Recovery *recovery.Manager
	Detector *leak.Detector
	Sampler  *leak.RuntimeSampler
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Runner is the cooperative driver loop around the four core components.
type Runner struct {
	cfg     config.StressConfig
	cache   *cache.Manager
	stage   *pipeline.Stage
	rec     *recovery.Manager
	det     *leak.Detector
	sampler *leak.RuntimeSampler
	gen     *gen.Generator
	clk     clock.Clock
	logger  *zap.Logger

	processed  int64
	chunkIndex int64
}

// NewRunner creates a stress runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		cfg:     cfg.Stress,
		cache:   cfg.Cache,
		stage:   cfg.Stage,
		rec:     cfg.Recovery,
		det:     cfg.Detector,
		sampler: cfg.Sampler,
		gen:     gen.New(cfg.Stress),
		clk:     cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Run executes the ingest loop until ctx is done, the configured duration
// elapses, or the chunk budget is spent. A final checkpoint and leak
// analysis are taken on the way out.
func (r *Runner) Run(ctx context.Context) error {
	r.det.StartMonitoring()

	deadline := r.clk.Now().Add(r.cfg.Duration.Duration())
	useDeadline := r.cfg.Duration > 0

	var runErr error
	for {
		select {
		case <-ctx.Done():
			r.finish()
			return ctx.Err()
		default:
		}
		if useDeadline && !r.clk.Now().Before(deadline) {
			break
		}
		if r.cfg.MaxChunks > 0 && r.chunkIndex >= r.cfg.MaxChunks {
			break
		}

		if err := r.step(); err != nil {
			runErr = err
			break
		}
	}

	r.finish()
	return runErr
}

// step processes exactly one chunk.
func (r *Runner) step() error {
	payload := r.gen.Next()

	if r.gen.ShouldFault() {
		if err := r.recover(r.gen.FaultMessage()); err != nil {
			return err
		}
	}

	// Honor backpressure: drain before submitting past the high-water mark.
	for {
		err := r.stage.Submit(payload)
		if err == nil {
			break
		}
		if !errors.Is(err, pipeline.ErrBackpressure) {
			return err
		}
		if _, derr := r.stage.ProcessNext(); derr != nil {
			return derr
		}
	}
	res, err := r.stage.ProcessNext()
	if err != nil {
		return err
	}
	if !res.Success {
		if rerr := r.recover(strings.Join(res.Errors, "; ")); rerr != nil {
			return rerr
		}
		return nil // chunk skipped, keep going
	}

	id := fmt.Sprintf("chunk-%08d", r.chunkIndex)
	if err := r.cache.Store(id, payload); err != nil {
		if rerr := r.recover(err.Error()); rerr != nil {
			return rerr
		}
		return nil
	}

	// Periodically re-read an earlier chunk; corruption here is fatal for
	// the run, a plain miss just warms the cache.
	if r.chunkIndex > 0 && r.chunkIndex%reReadStride == 0 {
		back := fmt.Sprintf("chunk-%08d", r.chunkIndex-1)
		if _, err := r.cache.Get(back); err != nil {
			if errors.Is(err, cache.ErrCorrupted) {
				return err
			}
			r.logger.Warn("re-read failed", zap.String("id", back), zap.Error(err))
		}
	}

	r.sampler.CountOp()
	r.processed += int64(len(payload))
	r.chunkIndex++

	if r.rec.ShouldCreateCheckpoint() {
		r.checkpoint("processing")
	}
	return nil
}

// recover classifies the failure and executes the selected strategy.
func (r *Runner) recover(msg string) error {
	strategy := r.rec.DetermineRecoveryStrategy(msg, "stress-run")
	r.rec.RecordError(msg, severityFor(strategy), "stress-run", strategy.String())
	if !r.rec.ExecuteRecovery(strategy, "") {
		r.logger.Error("recovery failed, aborting run",
			zap.String("error", msg),
			zap.Stringer("strategy", strategy),
		)
		return fmt.Errorf("%w: %s", ErrAborted, msg)
	}
	return nil
}

func (r *Runner) checkpoint(phase string) {
	analysis := r.det.PerformLeakAnalysis()
	state := runState{
		Version:    1,
		ChunkIndex: r.chunkIndex,
		Cache:      r.cache.Stats(),
		Pipeline:   r.stage.Stats(),
	}
	meta := map[string]string{
		"leak_confidence": fmt.Sprintf("%.2f", analysis.Confidence),
		"leak_type":       analysis.LeakType.String(),
	}
	total := r.cfg.MaxChunks * int64(r.cfg.ChunkSize)
	if _, err := r.rec.CreateCheckpoint(r.processed, total, phase, r.chunkIndex, state, meta); err != nil {
		// Persistence trouble degrades the run, it does not stop it.
		r.logger.Warn("checkpoint failed", zap.Error(err))
	}
}

func (r *Runner) finish() {
	r.checkpoint("final")
	result := r.det.StopMonitoring()
	stats := r.cache.Stats()
	r.logger.Info("stress run finished",
		zap.Int64("chunks", r.chunkIndex),
		zap.Int64("bytes", r.processed),
		zap.Int("cached_chunks", stats.TotalChunks),
		zap.Int64("spillovers", stats.SpillOvers),
		zap.Float64("hit_rate_pct", stats.HitRate),
		zap.Bool("leak_detected", result.Detected),
		zap.Float64("leak_confidence", result.Confidence),
	)
}

// Processed returns bytes processed so far.
func (r *Runner) Processed() int64 { return r.processed }

// ChunkIndex returns the number of chunks completed.
func (r *Runner) ChunkIndex() int64 { return r.chunkIndex }

func severityFor(s types.RecoveryStrategy) types.Severity {
	switch s {
	case types.RecoveryRestart:
		return types.SeverityCritical
	case types.RecoveryResume:
		return types.SeverityHigh
	case types.RecoveryRetry:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}
