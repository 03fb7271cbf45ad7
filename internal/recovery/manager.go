// Package recovery implements periodic checkpointing, error classification,
// and recovery-strategy execution.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/metrics"
	"github.com/gftdcojp/spillway/internal/types"
	"go.uber.org/zap"
)

// ErrNoCheckpoint reports that no checkpoint is retained.
var ErrNoCheckpoint = errors.New("no checkpoint available")

// errorRingCap bounds the error ring; the oldest record is dropped past it.
const errorRingCap = 100

// checkpointErrorTail bounds the recent-error tail embedded in a checkpoint.
const checkpointErrorTail = 10

// ErrorStats summarizes the error ring for the observability layer.
type ErrorStats struct {
	Total      int
	Unresolved int
	BySeverity map[types.Severity]int
}

// Manager owns an exclusive checkpoint directory and its durable index.
type Manager struct {
	mu     sync.Mutex
	cfg    config.RecoveryConfig
	clk    clock.Clock
	logger *zap.Logger
	index  *BoltIndex

	checkpoints    map[string]types.CheckpointData
	errorRing      []types.ErrorRecord
	retryCount     int
	lastCheckpoint time.Time
}

// NewManager opens the checkpoint directory and index, reloading any
// checkpoints retained by a previous run.
func NewManager(cfg config.RecoveryConfig, clk clock.Clock, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.CheckpointDir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir %s: %w", cfg.CheckpointDir, err)
	}

	indexPath := cfg.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(cfg.CheckpointDir, "index.db")
	}
	index, err := OpenIndex(indexPath, cfg.NoSync, logger.Named("index"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:            cfg,
		clk:            clk,
		logger:         logger,
		index:          index,
		checkpoints:    make(map[string]types.CheckpointData),
		lastCheckpoint: clk.Now(),
	}
	if err := m.reload(); err != nil {
		index.Close()
		return nil, err
	}
	return m, nil
}

// reload restores the in-memory view from the index and adopts loose
// checkpoint documents the index does not know about.
func (m *Manager) reload() error {
	entries, err := m.index.List()
	if err != nil {
		return fmt.Errorf("listing checkpoint index: %w", err)
	}

	for _, e := range entries {
		cp, err := readCheckpointFile(e.Path)
		if err != nil {
			m.logger.Warn("dropping index entry with unreadable checkpoint",
				zap.String("id", e.ID), zap.String("path", e.Path), zap.Error(err))
			if derr := m.index.Delete(e.ID); derr != nil {
				m.logger.Warn("deleting stale index entry", zap.String("id", e.ID), zap.Error(derr))
			}
			continue
		}
		m.checkpoints[e.ID] = *cp
	}

	// Adopt loose documents written before a crash cut off the index update.
	matches, err := filepath.Glob(filepath.Join(m.cfg.CheckpointDir, "checkpoint_*.json"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		cp, err := readCheckpointFile(path)
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint document", zap.String("path", path), zap.Error(err))
			continue
		}
		if _, known := m.checkpoints[cp.ID]; known {
			continue
		}
		m.checkpoints[cp.ID] = *cp
		if err := m.index.Record(indexEntryFor(*cp, path)); err != nil {
			m.logger.Warn("re-indexing adopted checkpoint", zap.String("id", cp.ID), zap.Error(err))
		}
	}

	if len(m.checkpoints) > 0 {
		m.logger.Info("restored checkpoints", zap.Int("count", len(m.checkpoints)))
	}
	return m.pruneLocked()
}

// CreateCheckpoint persists a new checkpoint and prunes the oldest past the
// retention cap. State is serialized defensively: a state that cannot be
// round-tripped through JSON is replaced with an empty object and logged,
// never failing the checkpoint.
func (m *Manager) CreateCheckpoint(processed, total int64, phase string, chunkIndex int64, state any, metadata map[string]string) (*types.CheckpointData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.clk.Now()
	cp := types.CheckpointData{
		ID:         fmt.Sprintf("checkpoint_%d", start.UnixNano()),
		Timestamp:  start,
		Processed:  processed,
		Total:      total,
		Phase:      phase,
		ChunkIndex: chunkIndex,
		State:      m.encodeState(state),
		Errors:     m.recentErrorsLocked(),
		Metadata:   metadata,
	}

	path := filepath.Join(m.cfg.CheckpointDir, cp.ID+".json")
	doc, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint %s: %w", cp.ID, err)
	}
	if err := os.WriteFile(path, doc, 0644); err != nil {
		return nil, fmt.Errorf("writing checkpoint %s: %w", cp.ID, err)
	}

	if err := m.index.Record(indexEntryFor(cp, path)); err != nil {
		// The document exists on disk; reload will adopt it.
		m.logger.Warn("indexing checkpoint", zap.String("id", cp.ID), zap.Error(err))
	}

	m.checkpoints[cp.ID] = cp
	m.lastCheckpoint = start
	if err := m.pruneLocked(); err != nil {
		m.logger.Warn("pruning checkpoints", zap.Error(err))
	}

	metrics.CheckpointsCreated.Inc()
	metrics.CheckpointDuration.Observe(m.clk.Now().Sub(start).Seconds())
	m.logger.Info("checkpoint created",
		zap.String("id", cp.ID),
		zap.Int64("processed", processed),
		zap.Int64("total", total),
		zap.String("phase", phase),
	)
	return &cp, nil
}

// encodeState round-trips state through JSON. Failure degrades to an empty
// object so a bad snapshot never loses the checkpoint.
func (m *Manager) encodeState(state any) json.RawMessage {
	empty := json.RawMessage(`{}`)
	if state == nil {
		return empty
	}
	raw, err := json.Marshal(state)
	if err != nil {
		m.logger.Warn("checkpoint state serialization failed, substituting empty state", zap.Error(err))
		return empty
	}
	var check any
	if err := json.Unmarshal(raw, &check); err != nil {
		m.logger.Warn("checkpoint state round-trip failed, substituting empty state", zap.Error(err))
		return empty
	}
	return raw
}

// LatestCheckpoint returns the retained checkpoint with the maximum
// timestamp.
func (m *Manager) LatestCheckpoint() (*types.CheckpointData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestLocked()
}

func (m *Manager) latestLocked() (*types.CheckpointData, error) {
	var latest *types.CheckpointData
	for id := range m.checkpoints {
		cp := m.checkpoints[id]
		if latest == nil || cp.Timestamp.After(latest.Timestamp) {
			latest = &cp
		}
	}
	if latest == nil {
		return nil, ErrNoCheckpoint
	}
	return latest, nil
}

// Checkpoint returns the checkpoint with the given id.
func (m *Manager) Checkpoint(id string) (*types.CheckpointData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %q: %w", id, ErrNoCheckpoint)
	}
	return &cp, nil
}

// CheckpointCount returns the number of retained checkpoints.
func (m *Manager) CheckpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

// ShouldCreateCheckpoint reports whether the checkpoint interval has
// elapsed. A cooperative poll, not a hard real-time guarantee.
func (m *Manager) ShouldCreateCheckpoint() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clk.Now().Sub(m.lastCheckpoint) >= m.cfg.CheckpointInterval.Duration()
}

// RecordError appends a classified error to the bounded ring.
func (m *Manager) RecordError(message string, severity types.Severity, context, recoveryAction string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordErrorLocked(message, severity, context, recoveryAction)
}

func (m *Manager) recordErrorLocked(message string, severity types.Severity, context, recoveryAction string) {
	m.errorRing = append(m.errorRing, types.ErrorRecord{
		Timestamp:      m.clk.Now(),
		Severity:       severity,
		Message:        message,
		Context:        context,
		RecoveryAction: recoveryAction,
	})
	if len(m.errorRing) > errorRingCap {
		m.errorRing = m.errorRing[len(m.errorRing)-errorRingCap:]
	}
	metrics.ErrorsRecorded.WithLabelValues(severity.String()).Inc()
}

// ResolveErrors flags every ring entry matching message as resolved.
func (m *Manager) ResolveErrors(message string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for i := range m.errorRing {
		if !m.errorRing[i].Resolved && m.errorRing[i].Message == message {
			m.errorRing[i].Resolved = true
			n++
		}
	}
	return n
}

// Errors returns a copy of the error ring, oldest first.
func (m *Manager) Errors() []types.ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ErrorRecord, len(m.errorRing))
	copy(out, m.errorRing)
	return out
}

// GetErrorStats summarizes the error ring.
func (m *Manager) GetErrorStats() ErrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ErrorStats{
		Total:      len(m.errorRing),
		BySeverity: make(map[types.Severity]int),
	}
	for _, r := range m.errorRing {
		stats.BySeverity[r.Severity]++
		if !r.Resolved {
			stats.Unresolved++
		}
	}
	return stats
}

// DetermineRecoveryStrategy classifies errText and selects a strategy.
// Retryable classifications consume the shared retry budget; once it is
// exhausted the manager falls back to resuming from the latest checkpoint.
func (m *Manager) DetermineRecoveryStrategy(errText, context string) types.RecoveryStrategy {
	m.mu.Lock()
	defer m.mu.Unlock()

	text := strings.ToLower(errText)

	switch {
	case containsAny(text, "memory", "heap", "allocation", "oom"):
		return types.RecoveryRestart
	case containsAny(text, "network", "timeout", "connection", "unreachable"):
		return m.boundedRetryLocked()
	case containsAny(text, "file", "disk", "no such file", "permission", "i/o error"):
		return types.RecoverySkip
	default:
		return m.boundedRetryLocked()
	}
}

// boundedRetryLocked selects Retry while budget remains, consuming one
// unit, and falls back to Resume once the budget is spent.
func (m *Manager) boundedRetryLocked() types.RecoveryStrategy {
	if m.retryCount < m.cfg.MaxRetries {
		m.retryCount++
		return types.RecoveryRetry
	}
	return types.RecoveryResume
}

// ExecuteRecovery performs the selected strategy. It never fails with an
// error: the boolean outcome tells the caller whether processing can
// continue.
func (m *Manager) ExecuteRecovery(strategy types.RecoveryStrategy, checkpointID string) bool {
	ok := m.executeRecovery(strategy, checkpointID)
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	metrics.RecoveryExecutions.WithLabelValues(strategy.String(), outcome).Inc()
	return ok
}

func (m *Manager) executeRecovery(strategy types.RecoveryStrategy, checkpointID string) bool {
	switch strategy {
	case types.RecoveryRestart:
		m.mu.Lock()
		m.retryCount = 0
		delay := m.cfg.RestartDelay.Duration()
		m.mu.Unlock()
		m.logger.Info("restarting after failure", zap.Duration("settle_delay", delay))
		m.clk.Sleep(delay)
		return true

	case types.RecoveryResume:
		m.mu.Lock()
		defer m.mu.Unlock()
		cp, err := m.lookupLocked(checkpointID)
		if err != nil {
			m.logger.Error("resume failed: no checkpoint", zap.String("checkpoint_id", checkpointID))
			return false
		}
		m.retryCount = 0
		m.logger.Info("resuming from checkpoint",
			zap.String("id", cp.ID),
			zap.Int64("processed", cp.Processed),
			zap.String("phase", cp.Phase),
		)
		return true

	case types.RecoveryRetry:
		m.mu.Lock()
		m.retryCount++
		count := m.retryCount
		max := m.cfg.MaxRetries
		delay := m.cfg.RetryDelay.Duration()
		m.mu.Unlock()
		if count > max {
			m.logger.Error("retry budget exhausted", zap.Int("retries", count), zap.Int("max", max))
			return false
		}
		m.logger.Info("retrying after failure", zap.Int("attempt", count), zap.Duration("delay", delay))
		m.clk.Sleep(delay)
		return true

	case types.RecoverySkip:
		m.RecordError("chunk skipped during recovery", types.SeverityLow, "", "skip")
		m.logger.Info("skipping failed unit")
		return true

	default:
		m.logger.Error("unknown recovery strategy", zap.Stringer("strategy", strategy))
		return false
	}
}

// lookupLocked resolves a checkpoint id, defaulting to the latest.
func (m *Manager) lookupLocked(id string) (*types.CheckpointData, error) {
	if id == "" {
		return m.latestLocked()
	}
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %q: %w", id, ErrNoCheckpoint)
	}
	return &cp, nil
}

// Close closes the checkpoint index.
func (m *Manager) Close() error {
	return m.index.Close()
}

// Index exposes the durable index for health checks.
func (m *Manager) Index() *BoltIndex { return m.index }

// pruneLocked removes the oldest checkpoints past the retention cap.
func (m *Manager) pruneLocked() error {
	for len(m.checkpoints) > m.cfg.MaxCheckpoints {
		var oldest *types.CheckpointData
		for id := range m.checkpoints {
			cp := m.checkpoints[id]
			if oldest == nil || cp.Timestamp.Before(oldest.Timestamp) {
				oldest = &cp
			}
		}
		if oldest == nil {
			return nil
		}

		path := filepath.Join(m.cfg.CheckpointDir, oldest.ID+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("removing pruned checkpoint document", zap.String("path", path), zap.Error(err))
		}
		if err := m.index.Delete(oldest.ID); err != nil {
			m.logger.Warn("removing pruned index entry", zap.String("id", oldest.ID), zap.Error(err))
		}
		delete(m.checkpoints, oldest.ID)
		metrics.CheckpointsPruned.Inc()
		m.logger.Debug("checkpoint pruned", zap.String("id", oldest.ID))
	}
	return nil
}

// recentErrorsLocked returns the newest error messages, oldest first.
func (m *Manager) recentErrorsLocked() []string {
	start := 0
	if len(m.errorRing) > checkpointErrorTail {
		start = len(m.errorRing) - checkpointErrorTail
	}
	var out []string
	for _, r := range m.errorRing[start:] {
		out = append(out, r.Message)
	}
	return out
}

func indexEntryFor(cp types.CheckpointData, path string) IndexEntry {
	return IndexEntry{
		ID:        cp.ID,
		Timestamp: cp.Timestamp,
		Path:      path,
		Processed: cp.Processed,
		Total:     cp.Total,
		Phase:     cp.Phase,
	}
}

func readCheckpointFile(path string) (*types.CheckpointData, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp types.CheckpointData
	if err := json.Unmarshal(doc, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint document: %w", err)
	}
	return &cp, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
