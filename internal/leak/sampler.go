package leak

import (
	"runtime"
	"sync/atomic"

	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/types"
)

// Sampler produces one memory snapshot per call. Implementations must be
// cheap enough to run on every sampling tick.
type Sampler interface {
	Sample() types.MemorySnapshot
}

// RuntimeSampler reads the Go runtime's memory counters. The operation
// count is driven by the caller through CountOp.
type RuntimeSampler struct {
	clk clock.Clock
	ops atomic.Uint64
}

// NewRuntimeSampler creates a sampler over runtime.ReadMemStats.
func NewRuntimeSampler(clk clock.Clock) *RuntimeSampler {
	return &RuntimeSampler{clk: clk}
}

// CountOp increments the cumulative operation counter carried on each
// snapshot, letting growth be correlated with work performed.
func (s *RuntimeSampler) CountOp() {
	s.ops.Add(1)
}

func (s *RuntimeSampler) Sample() types.MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return types.MemorySnapshot{
		Timestamp:   s.clk.Now(),
		HeapUsed:    ms.HeapAlloc,
		HeapTotal:   ms.HeapSys,
		External:    ms.Sys - ms.HeapSys,
		RSS:         ms.Sys,
		BufferBytes: ms.StackInuse + ms.MSpanInuse + ms.MCacheInuse,
		OpCount:     s.ops.Load(),
	}
}
