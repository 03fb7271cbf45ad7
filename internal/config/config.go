package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cache         CacheConfig         `yaml:"cache"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Leak          LeakConfig          `yaml:"leak"`
	Stress        StressConfig        `yaml:"stress"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type CacheConfig struct {
	// SpillDir is the exclusive backing directory for spilled chunks.
	// Empty selects a fresh directory under os.TempDir().
	SpillDir         string   `yaml:"spill_dir"`
	MaxMemoryUsage   ByteSize `yaml:"max_memory_usage"`
	SpillThresholdPct int     `yaml:"spill_threshold_pct"`
	MaxCacheSize     int      `yaml:"max_cache_size"`
	Digest           string   `yaml:"digest"`      // crc32 | xxhash
	Compression      string   `yaml:"compression"` // identity | lz4
	PromoteOnGet     bool     `yaml:"promote_on_get"`
}

type PipelineConfig struct {
	Mode      string   `yaml:"mode"` // passthrough | compress | decompress | analyze | transform
	ChunkSize ByteSize `yaml:"chunk_size"`
	// Concurrency is accepted for config compatibility. Chunk execution is
	// single-threaded on the caller's goroutine; values above 1 have no
	// effect.
	Concurrency        int      `yaml:"concurrency"`
	EnableBackpressure bool     `yaml:"enable_backpressure"`
	RetryAttempts      int      `yaml:"retry_attempts"`
	RetryDelay         Duration `yaml:"retry_delay"`
	// Timeout bounds the retry window of one chunk; zero disables it.
	Timeout     Duration `yaml:"timeout"`
	Compression string   `yaml:"compression"` // codec for compress/decompress modes
}

type RecoveryConfig struct {
	// CheckpointDir is the exclusive checkpoint directory. One manager per
	// directory; sharing is undefined behavior.
	CheckpointDir      string   `yaml:"checkpoint_dir"`
	IndexPath          string   `yaml:"index_path"`
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	MaxCheckpoints     int      `yaml:"max_checkpoints"`
	MaxRetries         int      `yaml:"max_retries"`
	RetryDelay         Duration `yaml:"retry_delay"`
	RestartDelay       Duration `yaml:"restart_delay"`
	NoSync             bool     `yaml:"no_sync"`
}

type LeakConfig struct {
	SamplingInterval    Duration `yaml:"sampling_interval"`
	MaxSamples          int      `yaml:"max_samples"`
	LeakThresholdMBH    float64  `yaml:"leak_threshold_mb_per_hour"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	AssumedHeapCeiling  ByteSize `yaml:"assumed_heap_ceiling"`
}

type StressConfig struct {
	Seed          int64    `yaml:"seed"`
	ChunkSize     ByteSize `yaml:"chunk_size"`
	SizeJitterPct int      `yaml:"size_jitter_pct"`
	MaxChunks     int64    `yaml:"max_chunks"`
	Duration      Duration `yaml:"duration"`
	FaultRate     float64  `yaml:"fault_rate"`
	MarkerRate    float64  `yaml:"marker_rate"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Cache.MaxMemoryUsage <= 0 {
		return fmt.Errorf("cache.max_memory_usage must be > 0")
	}
	if c.Cache.SpillThresholdPct <= 0 || c.Cache.SpillThresholdPct > 100 {
		return fmt.Errorf("cache.spill_threshold_pct must be in (0, 100], got %d", c.Cache.SpillThresholdPct)
	}
	if c.Cache.MaxCacheSize <= 0 {
		return fmt.Errorf("cache.max_cache_size must be > 0")
	}

	if _, ok := parseMode(c.Pipeline.Mode); !ok {
		return fmt.Errorf("pipeline.mode %q is not a valid mode", c.Pipeline.Mode)
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be > 0")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be >= 1")
	}
	if c.Pipeline.RetryAttempts < 0 {
		return fmt.Errorf("pipeline.retry_attempts must be >= 0")
	}

	if c.Recovery.CheckpointDir == "" {
		return fmt.Errorf("recovery.checkpoint_dir is required")
	}
	if c.Recovery.MaxCheckpoints <= 0 {
		return fmt.Errorf("recovery.max_checkpoints must be > 0")
	}
	if c.Recovery.CheckpointInterval <= 0 {
		return fmt.Errorf("recovery.checkpoint_interval must be > 0")
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("recovery.max_retries must be >= 0")
	}

	if c.Leak.SamplingInterval <= 0 {
		return fmt.Errorf("leak.sampling_interval must be > 0")
	}
	if c.Leak.MaxSamples < 5 {
		return fmt.Errorf("leak.max_samples must be >= 5 (analysis window minimum)")
	}
	if c.Leak.ConfidenceThreshold < 0 || c.Leak.ConfidenceThreshold > 1 {
		return fmt.Errorf("leak.confidence_threshold must be in [0, 1]")
	}
	if c.Leak.AssumedHeapCeiling <= 0 {
		return fmt.Errorf("leak.assumed_heap_ceiling must be > 0")
	}

	if c.Stress.FaultRate < 0 || c.Stress.FaultRate > 1 {
		return fmt.Errorf("stress.fault_rate must be in [0, 1]")
	}

	return nil
}

// parseMode mirrors types.ParsePipelineMode without importing it; config
// stays a leaf package.
func parseMode(s string) (string, bool) {
	switch s {
	case "", "passthrough", "compress", "decompress", "analyze", "transform":
		return s, true
	default:
		return s, false
	}
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
