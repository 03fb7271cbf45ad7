package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/spillway/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CacheChunks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spillway_cache_chunks",
		Help: "Number of chunks tracked by the cache manager, by residency",
	}, []string{"residency"})

	CacheMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spillway_cache_memory_bytes",
		Help: "Bytes held by memory-resident chunks",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_cache_hits_total",
		Help: "Chunk reads served from memory",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_cache_misses_total",
		Help: "Chunk reads that had to load from disk",
	})

	SpillOvers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_spillovers_total",
		Help: "Chunks written to disk by the capacity policy",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_evictions_total",
		Help: "Memory-resident chunks evicted to make space",
	})

	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_integrity_failures_total",
		Help: "Chunk reloads rejected due to digest mismatch",
	})

	// Pipeline metrics
	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spillway_chunks_processed_total",
		Help: "Chunks processed by the pipeline stage",
	}, []string{"mode", "status"})

	PipelineBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spillway_pipeline_bytes_total",
		Help: "Bytes through the pipeline stage",
	}, []string{"mode", "direction"})

	ChunkProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spillway_chunk_process_duration_seconds",
		Help:    "Per-chunk transform latency",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"mode"})

	BackpressureStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_backpressure_stalls_total",
		Help: "Submissions rejected at the high-water mark",
	})

	// Recovery metrics
	CheckpointsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_checkpoints_created_total",
		Help: "Checkpoints persisted",
	})

	CheckpointsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_checkpoints_pruned_total",
		Help: "Checkpoints removed by the retention cap",
	})

	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spillway_checkpoint_duration_seconds",
		Help:    "Time to serialize and persist one checkpoint",
		Buckets: prometheus.DefBuckets,
	})

	RecoveryExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spillway_recovery_executions_total",
		Help: "Recovery strategy executions by outcome",
	}, []string{"strategy", "outcome"})

	ErrorsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spillway_errors_recorded_total",
		Help: "Errors appended to the recovery error ring",
	}, []string{"severity"})

	// Leak detector metrics
	LeakConfidence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spillway_leak_confidence",
		Help: "Confidence of the most recent leak analysis (0-1)",
	})

	LeakGrowthRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spillway_leak_growth_rate_mb_per_hour",
		Help: "Dominant memory growth rate from the most recent analysis",
	})

	HeapUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spillway_heap_used_bytes",
		Help: "Heap bytes in use at the last sampling tick",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
