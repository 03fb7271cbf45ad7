// Package cache implements the chunk cache manager: named binary blobs held
// in memory under a strict ceiling, with transparent disk spillover and
// integrity verification on reload.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/codec"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/digest"
	"github.com/gftdcojp/spillway/internal/metrics"
	"github.com/gftdcojp/spillway/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports an unknown chunk id or a missing backing file.
	ErrNotFound = errors.New("chunk not found")

	// ErrCorrupted reports a digest mismatch on chunk reload. Fatal for
	// that call; never retried internally.
	ErrCorrupted = errors.New("chunk data corrupted")
)

// chunk is the manager's record for one stored blob. Data is non-nil iff
// the chunk is memory-resident; FilePath is set iff it lives on disk.
type chunk struct {
	id         string
	size       int64
	lastAccess time.Time
	residency  types.Residency
	filePath   string
	checksum   string
	data       []byte
}

// Manager owns an in-memory chunk map and an exclusive spill directory.
// Aggregate counters are guarded by one mutex; operations on the same id
// must be serialized by the caller.
type Manager struct {
	mu     sync.Mutex
	cfg    config.CacheConfig
	dir    string
	dig    digest.Digest
	cdc    codec.Codec
	clk    clock.Clock
	logger *zap.Logger

	chunks   map[string]*chunk
	memOrder []string // insertion order of memory-resident ids; eviction tie-break
	memBytes int64
	fileSeq  uint64 // keeps spill file names unique across same-instant writes

	hits      int64
	misses    int64
	spills    int64
	evictions int64
}

// NewManager creates a cache manager owning cfg.SpillDir (or a fresh
// temp directory when unset).
func NewManager(cfg config.CacheConfig, clk clock.Clock, logger *zap.Logger) (*Manager, error) {
	dig, err := digest.New(cfg.Digest)
	if err != nil {
		return nil, fmt.Errorf("cache digest: %w", err)
	}
	cdc, err := codec.New(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("cache codec: %w", err)
	}

	dir := cfg.SpillDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "spillway-cache-")
		if err != nil {
			return nil, fmt.Errorf("creating spill dir: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating spill dir %s: %w", dir, err)
	}

	return &Manager{
		cfg:    cfg,
		dir:    dir,
		dig:    dig,
		cdc:    cdc,
		clk:    clk,
		logger: logger,
		chunks: make(map[string]*chunk),
	}, nil
}

// Dir returns the spill directory this manager owns.
func (m *Manager) Dir() string { return m.dir }

// Store caches data under id, spilling to disk when the capacity policy
// requires it. Storing an existing id replaces the previous bytes.
func (m *Manager) Store(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.chunks[id]

	c := &chunk{
		id:         id,
		size:       int64(len(data)),
		lastAccess: m.clk.Now(),
		checksum:   m.dig.Sum(data),
	}

	if m.shouldSpillLocked(c.size) {
		if err := m.spillLocked(c, data); err != nil {
			return err
		}
		m.spills++
		metrics.SpillOvers.Inc()
	} else {
		if err := m.ensureSpaceLocked(c.size); err != nil {
			return err
		}
		c.residency = types.ResidencyMemory
		c.data = append([]byte(nil), data...)
		m.memBytes += c.size
		m.memOrder = append(m.memOrder, id)
	}

	// Replacement drops the old record only after the new bytes are safely
	// staged, so a failed write leaves the previous chunk intact.
	if old != nil {
		m.dropLocked(old)
	}
	m.chunks[id] = c
	m.publishLocked()

	m.logger.Debug("chunk stored",
		zap.String("id", id),
		zap.Int64("size", c.size),
		zap.Stringer("residency", c.residency),
		zap.Int64("memory_bytes", m.memBytes),
	)
	return nil
}

// Get returns the bytes stored under id. Disk-resident chunks are verified
// against their digest before being returned and may be promoted back into
// memory, demoting colder residents to disk when room has to be made.
func (m *Manager) Get(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk %q: %w", id, ErrNotFound)
	}

	if c.residency == types.ResidencyMemory {
		c.lastAccess = m.clk.Now()
		m.hits++
		metrics.CacheHits.Inc()
		m.publishLocked()
		return append([]byte(nil), c.data...), nil
	}

	encoded, err := os.ReadFile(c.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %q backing file: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("reading chunk %q: %w", id, err)
	}
	data, err := m.cdc.Decode(encoded)
	if err != nil {
		metrics.IntegrityFailures.Inc()
		return nil, fmt.Errorf("chunk %q: decoding spilled bytes: %w", id, ErrCorrupted)
	}
	if sum := m.dig.Sum(data); sum != c.checksum {
		metrics.IntegrityFailures.Inc()
		return nil, fmt.Errorf("chunk %q: digest %s != stored %s: %w", id, sum, c.checksum, ErrCorrupted)
	}

	c.lastAccess = m.clk.Now()
	m.misses++
	metrics.CacheMisses.Inc()

	// Promotion favors the chunk just read: colder memory residents are
	// demoted to disk to make room, as long as the chunk can fit at all.
	if m.cfg.PromoteOnGet && c.size <= int64(m.cfg.MaxMemoryUsage) && len(m.memOrder) < m.cfg.MaxCacheSize {
		if err := m.ensureSpaceLocked(c.size); err == nil {
			os.Remove(c.filePath)
			c.filePath = ""
			c.residency = types.ResidencyMemory
			c.data = append([]byte(nil), data...)
			m.memBytes += c.size
			m.memOrder = append(m.memOrder, id)
			m.logger.Debug("chunk promoted to memory", zap.String("id", id), zap.Int64("size", c.size))
		}
	}

	m.publishLocked()
	return data, nil
}

// Delete removes the chunk and its backing file, if any. Reports whether
// the id existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chunks[id]
	if !ok {
		return false
	}
	m.dropLocked(c)
	delete(m.chunks, id)
	m.publishLocked()
	return true
}

// Cleanup releases every chunk, deletes the spill directory, and resets all
// counters to zero.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunks = make(map[string]*chunk)
	m.memOrder = nil
	m.memBytes = 0
	m.hits, m.misses, m.spills, m.evictions = 0, 0, 0, 0
	m.publishLocked()

	if err := os.RemoveAll(m.dir); err != nil {
		// Non-fatal: the run continues with counters reset.
		m.logger.Warn("removing spill dir", zap.String("dir", m.dir), zap.Error(err))
		return fmt.Errorf("removing spill dir: %w", err)
	}
	return nil
}

// Stats returns the aggregate counters.
func (m *Manager) Stats() types.MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// MemoryUsage returns the bytes held by memory-resident chunks.
func (m *Manager) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memBytes
}

func (m *Manager) statsLocked() types.MemoryStats {
	memChunks := len(m.memOrder)
	stats := types.MemoryStats{
		TotalChunks:  len(m.chunks),
		MemoryChunks: memChunks,
		DiskChunks:   len(m.chunks) - memChunks,
		MemoryBytes:  m.memBytes,
		SpillOvers:   m.spills,
		Evictions:    m.evictions,
	}
	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total) * 100
	}
	return stats
}

// shouldSpillLocked applies the spill policy: ceiling overflow, threshold
// crossing, or entry-count cap.
func (m *Manager) shouldSpillLocked(size int64) bool {
	max := int64(m.cfg.MaxMemoryUsage)
	if m.memBytes+size > max {
		return true
	}
	if m.memBytes*100 > max*int64(m.cfg.SpillThresholdPct) {
		return true
	}
	if len(m.memOrder) >= m.cfg.MaxCacheSize {
		return true
	}
	return false
}

// ensureSpaceLocked evicts memory-resident chunks in ascending lastAccess
// order (ties broken by insertion order) until size more bytes fit under
// the ceiling. Evicted chunks are demoted to disk, not dropped.
func (m *Manager) ensureSpaceLocked(size int64) error {
	max := int64(m.cfg.MaxMemoryUsage)
	if m.memBytes+size <= max {
		return nil
	}

	candidates := make([]string, len(m.memOrder))
	copy(candidates, m.memOrder)
	sort.SliceStable(candidates, func(i, j int) bool {
		return m.chunks[candidates[i]].lastAccess.Before(m.chunks[candidates[j]].lastAccess)
	})

	for _, id := range candidates {
		if m.memBytes+size <= max {
			break
		}
		c := m.chunks[id]
		data := c.data
		c.data = nil
		m.memBytes -= c.size
		m.removeFromOrderLocked(id)
		if err := m.spillLocked(c, data); err != nil {
			// Roll the victim back so no stored data is lost.
			c.data = data
			c.residency = types.ResidencyMemory
			m.memBytes += c.size
			m.memOrder = append(m.memOrder, id)
			return fmt.Errorf("evicting chunk %q: %w", id, err)
		}
		m.evictions++
		metrics.Evictions.Inc()
		m.logger.Debug("chunk evicted to disk", zap.String("id", id), zap.Int64("size", c.size))
	}
	return nil
}

// spillLocked writes data through the codec to a chunk-specific file and
// marks c disk-resident.
func (m *Manager) spillLocked(c *chunk, data []byte) error {
	encoded, err := m.cdc.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding chunk %q: %w", c.id, err)
	}
	m.fileSeq++
	path := filepath.Join(m.dir, fmt.Sprintf("%s_%d_%d.chunk", sanitizeID(c.id), m.clk.Now().UnixNano(), m.fileSeq))
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("writing chunk file: %w", err)
	}
	c.filePath = path
	c.residency = types.ResidencyDisk
	c.data = nil
	return nil
}

// dropLocked releases a chunk's memory and backing file without touching
// the chunk map.
func (m *Manager) dropLocked(c *chunk) {
	if c.residency == types.ResidencyMemory {
		m.memBytes -= c.size
		m.removeFromOrderLocked(c.id)
	} else if c.filePath != "" {
		if err := os.Remove(c.filePath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("removing chunk file", zap.String("path", c.filePath), zap.Error(err))
		}
	}
}

func (m *Manager) removeFromOrderLocked(id string) {
	for i, v := range m.memOrder {
		if v == id {
			m.memOrder = append(m.memOrder[:i], m.memOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) publishLocked() {
	memChunks := len(m.memOrder)
	metrics.CacheChunks.WithLabelValues(types.ResidencyMemory.String()).Set(float64(memChunks))
	metrics.CacheChunks.WithLabelValues(types.ResidencyDisk.String()).Set(float64(len(m.chunks) - memChunks))
	metrics.CacheMemoryBytes.Set(float64(m.memBytes))
}

// sanitizeID makes a chunk id safe for use in a file name.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
