package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxMemoryUsage:    ByteSize(256 * 1024 * 1024), // 256MB
			SpillThresholdPct: 75,
			MaxCacheSize:      1024,
			Digest:            "crc32",
			Compression:       "identity",
			PromoteOnGet:      true,
		},
		Pipeline: PipelineConfig{
			Mode:               "passthrough",
			ChunkSize:          ByteSize(1024 * 1024), // 1MB
			Concurrency:        1,
			EnableBackpressure: true,
			RetryAttempts:      3,
			RetryDelay:         Duration(100 * time.Millisecond),
			Timeout:            Duration(30 * time.Second),
			Compression:        "lz4",
		},
		Recovery: RecoveryConfig{
			CheckpointDir:      "/var/lib/spillway/checkpoints",
			IndexPath:          "/var/lib/spillway/checkpoints.db",
			CheckpointInterval: Duration(30 * time.Second),
			MaxCheckpoints:     5,
			MaxRetries:         3,
			RetryDelay:         Duration(time.Second),
			RestartDelay:       Duration(2 * time.Second),
		},
		Leak: LeakConfig{
			SamplingInterval:    Duration(5 * time.Second),
			MaxSamples:          120,
			LeakThresholdMBH:    50,
			ConfidenceThreshold: 0.7,
			AssumedHeapCeiling:  ByteSize(4 * 1024 * 1024 * 1024), // 4GB
		},
		Stress: StressConfig{
			Seed:          1,
			ChunkSize:     ByteSize(1024 * 1024),
			SizeJitterPct: 25,
			MaxChunks:     0, // unbounded
			Duration:      Duration(10 * time.Minute),
			FaultRate:     0,
			MarkerRate:    0.05,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
