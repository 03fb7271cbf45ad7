package types

import (
	"encoding/json"
	"time"
)

// Residency identifies where a chunk's bytes currently live.
type Residency int

const (
	ResidencyMemory Residency = iota
	ResidencyDisk
)

func (r Residency) String() string {
	switch r {
	case ResidencyMemory:
		return "memory"
	case ResidencyDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Severity classifies a recorded error.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RecoveryStrategy is the action selected after classifying a failure.
type RecoveryStrategy int

const (
	RecoveryRetry RecoveryStrategy = iota
	RecoveryResume
	RecoveryRestart
	RecoverySkip
)

func (s RecoveryStrategy) String() string {
	switch s {
	case RecoveryRetry:
		return "retry"
	case RecoveryResume:
		return "resume"
	case RecoveryRestart:
		return "restart"
	case RecoverySkip:
		return "skip"
	default:
		return "unknown"
	}
}

// PipelineMode selects the transform applied by a pipeline stage.
type PipelineMode int

const (
	ModePassthrough PipelineMode = iota
	ModeCompress
	ModeDecompress
	ModeAnalyze
	ModeTransform
)

func (m PipelineMode) String() string {
	switch m {
	case ModePassthrough:
		return "passthrough"
	case ModeCompress:
		return "compress"
	case ModeDecompress:
		return "decompress"
	case ModeAnalyze:
		return "analyze"
	case ModeTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// ParsePipelineMode maps a config string to a PipelineMode.
func ParsePipelineMode(s string) (PipelineMode, bool) {
	switch s {
	case "passthrough", "":
		return ModePassthrough, true
	case "compress":
		return ModeCompress, true
	case "decompress":
		return ModeDecompress, true
	case "analyze":
		return ModeAnalyze, true
	case "transform":
		return ModeTransform, true
	default:
		return ModePassthrough, false
	}
}

// LeakType identifies which memory series shows the dominant growth.
type LeakType int

const (
	LeakUnknown LeakType = iota
	LeakHeap
	LeakExternal
	LeakBuffer
)

func (t LeakType) String() string {
	switch t {
	case LeakHeap:
		return "heap"
	case LeakExternal:
		return "external"
	case LeakBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// MemoryStats reports aggregate cache manager usage. Recomputed on every
// mutation.
type MemoryStats struct {
	TotalChunks  int
	MemoryChunks int
	DiskChunks   int
	MemoryBytes  int64
	HitRate      float64 // percent
	SpillOvers   int64
	Evictions    int64
}

// CheckpointData is a persisted snapshot of processing progress.
// Immutable once written.
type CheckpointData struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Processed  int64             `json:"processed"`
	Total      int64             `json:"total"`
	Phase      string            `json:"phase"`
	ChunkIndex int64             `json:"chunk_index"`
	State      json.RawMessage   `json:"state,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ErrorRecord is one entry in the recovery manager's bounded error ring.
type ErrorRecord struct {
	Timestamp      time.Time
	Severity       Severity
	Message        string
	Context        string
	RecoveryAction string
	Resolved       bool
}

// MemorySnapshot is one sampling tick of process memory counters.
type MemorySnapshot struct {
	Timestamp   time.Time
	HeapUsed    uint64
	HeapTotal   uint64
	External    uint64
	RSS         uint64
	BufferBytes uint64
	OpCount     uint64
}

// LeakAnalysisResult is computed on demand from the current snapshot
// window; it is never persisted.
type LeakAnalysisResult struct {
	Detected         bool
	Confidence       float64 // 0.0-1.0
	GrowthRateMBH    float64 // MB per hour of the dominant series
	LeakType         LeakType
	TimeToExhaustion float64 // hours; +Inf when growth is non-positive
	Recommendations  []string
	EvidenceCount    int
}

// PipelineResult reports the outcome of processing a single chunk.
type PipelineResult struct {
	Success          bool
	ProcessedBytes   int64
	Output           []byte
	CompressionRatio float64 // output/input, zero when not applicable
	ProcessingTime   time.Duration
	Errors           []string
}

// PipelineStats reports cumulative pipeline throughput.
type PipelineStats struct {
	InputBytes    int64
	OutputBytes   int64
	Chunks        int64
	MeanChunkTime time.Duration
	ThroughputMBs float64 // MB/s since the stage started
	Ratio         float64 // cumulative output/input
}
