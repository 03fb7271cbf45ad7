// Package pipeline implements the retryable transform stage with a
// buffered-byte backpressure contract.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/codec"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/metrics"
	"github.com/gftdcojp/spillway/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrBackpressure reports a submission rejected at the high-water
	// mark. The producer must drain the stage before retrying.
	ErrBackpressure = errors.New("pipeline backpressure: buffer at high-water mark")

	// ErrEmptyQueue reports ProcessNext called with nothing buffered.
	ErrEmptyQueue = errors.New("pipeline queue empty")
)

// Marker is the two-byte pattern the analyze mode scans for.
var Marker = [2]byte{0xAA, 0x55}

// AnalyzeSummarySize is the fixed output length of the analyze mode:
// [4 bytes match count][4 bytes input length][4 bytes truncated unix time].
const AnalyzeSummarySize = 12

// transformMask is the reversible byte-wise mask for the transform mode.
const transformMask = 0x5A

// Stage consumes binary chunks and produces transformed output under the
// configured mode. Aggregate stats are guarded by a mutex; per-chunk calls
// are otherwise independent.
type Stage struct {
	mu     sync.Mutex
	cfg    config.PipelineConfig
	mode   types.PipelineMode
	cdc    codec.Codec
	clk    clock.Clock
	logger *zap.Logger

	started time.Time
	queue   [][]byte
	buffered int64

	inBytes  int64
	outBytes int64
	chunks   int64
	meanTime time.Duration
}

// NewStage creates a pipeline stage for the configured mode.
func NewStage(cfg config.PipelineConfig, clk clock.Clock, logger *zap.Logger) (*Stage, error) {
	mode, ok := types.ParsePipelineMode(cfg.Mode)
	if !ok {
		return nil, fmt.Errorf("pipeline mode %q is not a valid mode", cfg.Mode)
	}
	cdc, err := codec.New(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("pipeline codec: %w", err)
	}
	return &Stage{
		cfg:     cfg,
		mode:    mode,
		cdc:     cdc,
		clk:     clk,
		logger:  logger,
		started: clk.Now(),
	}, nil
}

// Mode returns the configured transform mode.
func (s *Stage) Mode() types.PipelineMode { return s.mode }

// HighWaterMark returns the buffered-byte threshold at which the stage
// signals "not ready": twice the configured chunk size.
func (s *Stage) HighWaterMark() int64 { return 2 * int64(s.cfg.ChunkSize) }

// Ready reports whether the producer may submit more data. Always true
// when backpressure is disabled.
func (s *Stage) Ready() bool {
	if !s.cfg.EnableBackpressure {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered < s.HighWaterMark()
}

// Submit enqueues a copy of the chunk for processing; the caller keeps
// ownership of buf. Returns ErrBackpressure when the buffer has reached the
// high-water mark.
func (s *Stage) Submit(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.EnableBackpressure && s.buffered >= s.HighWaterMark() {
		metrics.BackpressureStalls.Inc()
		return ErrBackpressure
	}
	s.queue = append(s.queue, append([]byte(nil), buf...))
	s.buffered += int64(len(buf))
	return nil
}

// Buffered returns the bytes currently queued.
func (s *Stage) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// ProcessNext dequeues and processes the oldest submitted chunk.
func (s *Stage) ProcessNext() (types.PipelineResult, error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return types.PipelineResult{}, ErrEmptyQueue
	}
	buf := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	res := s.ProcessChunk(buf)

	s.mu.Lock()
	s.buffered -= int64(len(buf))
	s.mu.Unlock()
	return res, nil
}

// ProcessChunk applies the configured transform to buf, retrying failures
// up to RetryAttempts with a fixed delay; retries stop early once Timeout
// has elapsed since the first attempt. A chunk that fails every attempt is
// reported as permanently failed; the error text is carried in the result,
// not swallowed.
func (s *Stage) ProcessChunk(buf []byte) types.PipelineResult {
	start := s.clk.Now()
	res := types.PipelineResult{ProcessedBytes: int64(len(buf))}

	attempts := s.cfg.RetryAttempts + 1
	timeout := s.cfg.Timeout.Duration()
	var out []byte
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if timeout > 0 && s.clk.Now().Sub(start) >= timeout {
				s.logger.Warn("retry deadline exceeded",
					zap.Int("attempts", attempt),
					zap.Duration("timeout", timeout),
				)
				break
			}
			s.clk.Sleep(s.cfg.RetryDelay.Duration())
			s.logger.Debug("retrying chunk",
				zap.Int("attempt", attempt),
				zap.Int("size", len(buf)),
				zap.Stringer("mode", s.mode),
			)
		}
		out, err = s.transform(buf)
		if err == nil {
			break
		}
		res.Errors = append(res.Errors, err.Error())
	}

	res.ProcessingTime = s.clk.Now().Sub(start)
	metrics.ChunkProcessDuration.WithLabelValues(s.mode.String()).Observe(res.ProcessingTime.Seconds())

	if err != nil {
		metrics.ChunksProcessed.WithLabelValues(s.mode.String(), "failed").Inc()
		s.logger.Warn("chunk permanently failed",
			zap.Int("attempts", attempts),
			zap.Stringer("mode", s.mode),
			zap.Error(err),
		)
		return res
	}

	res.Success = true
	res.Output = out
	if s.mode == types.ModeCompress || s.mode == types.ModeDecompress {
		if len(buf) > 0 {
			res.CompressionRatio = float64(len(out)) / float64(len(buf))
		}
	}

	s.recordSuccess(int64(len(buf)), int64(len(out)), res.ProcessingTime)
	metrics.ChunksProcessed.WithLabelValues(s.mode.String(), "ok").Inc()
	metrics.PipelineBytes.WithLabelValues(s.mode.String(), "in").Add(float64(len(buf)))
	metrics.PipelineBytes.WithLabelValues(s.mode.String(), "out").Add(float64(len(out)))
	return res
}

func (s *Stage) transform(buf []byte) ([]byte, error) {
	switch s.mode {
	case types.ModePassthrough:
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	case types.ModeCompress:
		return s.cdc.Encode(buf)
	case types.ModeDecompress:
		return s.cdc.Decode(buf)
	case types.ModeTransform:
		out := make([]byte, len(buf))
		for i, b := range buf {
			out[i] = b ^ transformMask
		}
		return out, nil
	case types.ModeAnalyze:
		return s.analyze(buf), nil
	default:
		return nil, fmt.Errorf("unhandled mode %v", s.mode)
	}
}

// analyze scans for the marker pattern and emits the fixed summary record.
func (s *Stage) analyze(buf []byte) []byte {
	var count uint32
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == Marker[0] && buf[i+1] == Marker[1] {
			count++
		}
	}
	out := make([]byte, AnalyzeSummarySize)
	binary.BigEndian.PutUint32(out[0:4], count)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(buf)))
	binary.BigEndian.PutUint32(out[8:12], uint32(s.clk.Now().Unix()))
	return out
}

func (s *Stage) recordSuccess(in, out int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inBytes += in
	s.outBytes += out
	s.chunks++
	// Incremental mean: mean += (x - mean) / n.
	s.meanTime += (d - s.meanTime) / time.Duration(s.chunks)
}

// Stats returns cumulative throughput figures since the stage started.
func (s *Stage) Stats() types.PipelineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := types.PipelineStats{
		InputBytes:    s.inBytes,
		OutputBytes:   s.outBytes,
		Chunks:        s.chunks,
		MeanChunkTime: s.meanTime,
	}
	if elapsed := s.clk.Now().Sub(s.started).Seconds(); elapsed > 0 {
		stats.ThroughputMBs = float64(s.inBytes) / (1024 * 1024) / elapsed
	}
	if s.inBytes > 0 {
		stats.Ratio = float64(s.outBytes) / float64(s.inBytes)
	}
	return stats
}
