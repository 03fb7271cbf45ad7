package recovery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/types"
	"go.uber.org/zap"
)

func recoveryConfig(t *testing.T) config.RecoveryConfig {
	t.Helper()
	return config.RecoveryConfig{
		CheckpointDir:      t.TempDir(),
		CheckpointInterval: config.Duration(30 * time.Second),
		MaxCheckpoints:     3,
		MaxRetries:         2,
		RetryDelay:         config.Duration(10 * time.Millisecond),
		RestartDelay:       config.Duration(50 * time.Millisecond),
		NoSync:             true,
	}
}

func newTestManager(t *testing.T, cfg config.RecoveryConfig, clk clock.Clock) *Manager {
	t.Helper()
	m, err := NewManager(cfg, clk, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAndLatestCheckpoint(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	if _, err := m.LatestCheckpoint(); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("LatestCheckpoint on empty manager = %v, want ErrNoCheckpoint", err)
	}

	state := map[string]int{"cursor": 7}
	cp, err := m.CreateCheckpoint(10, 100, "processing", 9, state, map[string]string{"run": "a"})
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if cp.Processed != 10 || cp.Total != 100 || cp.Phase != "processing" || cp.ChunkIndex != 9 {
		t.Errorf("checkpoint fields = %+v", cp)
	}
	if string(cp.State) != `{"cursor":7}` {
		t.Errorf("state = %s", cp.State)
	}

	clk.Advance(time.Second)
	cp2, err := m.CreateCheckpoint(20, 100, "processing", 19, nil, nil)
	if err != nil {
		t.Fatalf("second CreateCheckpoint failed: %v", err)
	}

	latest, err := m.LatestCheckpoint()
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if latest.ID != cp2.ID {
		t.Errorf("latest = %s, want %s", latest.ID, cp2.ID)
	}

	got, err := m.Checkpoint(cp.ID)
	if err != nil {
		t.Fatalf("Checkpoint(%s) failed: %v", cp.ID, err)
	}
	if got.Processed != 10 {
		t.Errorf("looked-up checkpoint = %+v", got)
	}
}

func TestCheckpointDocumentOnDisk(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	cfg := recoveryConfig(t)
	m := newTestManager(t, cfg, clk)

	cp, err := m.CreateCheckpoint(5, 10, "warmup", 4, nil, nil)
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	path := filepath.Join(cfg.CheckpointDir, cp.ID+".json")
	doc, err := readCheckpointFile(path)
	if err != nil {
		t.Fatalf("reading checkpoint document: %v", err)
	}
	if doc.ID != cp.ID || doc.Processed != 5 || doc.Phase != "warmup" {
		t.Errorf("document = %+v", doc)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	cfg := recoveryConfig(t)
	m := newTestManager(t, cfg, clk)

	var ids []string
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		cp, err := m.CreateCheckpoint(int64(i), 5, "processing", int64(i), nil, nil)
		if err != nil {
			t.Fatalf("CreateCheckpoint %d failed: %v", i, err)
		}
		ids = append(ids, cp.ID)
	}

	if n := m.CheckpointCount(); n != cfg.MaxCheckpoints {
		t.Fatalf("count = %d, want %d", n, cfg.MaxCheckpoints)
	}
	for _, id := range ids[:2] {
		if _, err := m.Checkpoint(id); !errors.Is(err, ErrNoCheckpoint) {
			t.Errorf("pruned checkpoint %s still retained", id)
		}
		if _, err := os.Stat(filepath.Join(cfg.CheckpointDir, id+".json")); !os.IsNotExist(err) {
			t.Errorf("pruned document %s still on disk", id)
		}
	}
	for _, id := range ids[2:] {
		if _, err := m.Checkpoint(id); err != nil {
			t.Errorf("retained checkpoint %s missing: %v", id, err)
		}
	}
}

func TestUnserializableStateDegradesToEmpty(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	cp, err := m.CreateCheckpoint(1, 1, "final", 0, map[string]any{"ch": make(chan int)}, nil)
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if string(cp.State) != `{}` {
		t.Errorf("state = %s, want empty object", cp.State)
	}
}

func TestShouldCreateCheckpoint(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	if m.ShouldCreateCheckpoint() {
		t.Error("interval has not elapsed yet")
	}
	clk.Advance(31 * time.Second)
	if !m.ShouldCreateCheckpoint() {
		t.Error("interval elapsed, expected true")
	}
	if _, err := m.CreateCheckpoint(1, 2, "processing", 0, nil, nil); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if m.ShouldCreateCheckpoint() {
		t.Error("checkpoint creation should reset the interval")
	}
}

func TestReloadFromDisk(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	cfg := recoveryConfig(t)

	m1 := newTestManager(t, cfg, clk)
	clk.Advance(time.Second)
	cp, err := m1.CreateCheckpoint(42, 100, "processing", 41, nil, nil)
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	m2 := newTestManager(t, cfg, clk)
	latest, err := m2.LatestCheckpoint()
	if err != nil {
		t.Fatalf("LatestCheckpoint after reload failed: %v", err)
	}
	if latest.ID != cp.ID || latest.Processed != 42 {
		t.Errorf("reloaded checkpoint = %+v, want %s", latest, cp.ID)
	}
}

func TestReloadAdoptsLooseDocument(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	cfg := recoveryConfig(t)

	// A document the index never saw, as after a crash mid-checkpoint.
	doc := []byte(`{
  "id": "checkpoint_999",
  "timestamp": "2026-01-02T03:04:05Z",
  "processed": 9,
  "total": 10,
  "phase": "processing",
  "chunk_index": 8,
  "state": {}
}`)
	if err := os.WriteFile(filepath.Join(cfg.CheckpointDir, "checkpoint_999.json"), doc, 0644); err != nil {
		t.Fatalf("writing loose document: %v", err)
	}

	m := newTestManager(t, cfg, clk)
	cp, err := m.Checkpoint("checkpoint_999")
	if err != nil {
		t.Fatalf("adopted checkpoint missing: %v", err)
	}
	if cp.Processed != 9 || cp.Phase != "processing" {
		t.Errorf("adopted checkpoint = %+v", cp)
	}
}

func TestErrorRingCap(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	for i := 0; i < errorRingCap+20; i++ {
		m.RecordError("synthetic fault", types.SeverityLow, "test", "none")
	}
	if got := len(m.Errors()); got != errorRingCap {
		t.Errorf("ring length = %d, want %d", got, errorRingCap)
	}
}

func TestResolveErrorsAndStats(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	m.RecordError("disk full", types.SeverityHigh, "spill", "skip")
	m.RecordError("disk full", types.SeverityHigh, "spill", "skip")
	m.RecordError("slow chunk", types.SeverityLow, "pipeline", "none")

	if n := m.ResolveErrors("disk full"); n != 2 {
		t.Errorf("ResolveErrors = %d, want 2", n)
	}
	stats := m.GetErrorStats()
	if stats.Total != 3 || stats.Unresolved != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BySeverity[types.SeverityHigh] != 2 || stats.BySeverity[types.SeverityLow] != 1 {
		t.Errorf("bySeverity = %+v", stats.BySeverity)
	}
}

func TestCheckpointCarriesErrorTail(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	for i := 0; i < checkpointErrorTail+5; i++ {
		m.RecordError("fault", types.SeverityMedium, "", "")
	}
	cp, err := m.CreateCheckpoint(1, 2, "processing", 0, nil, nil)
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if len(cp.Errors) != checkpointErrorTail {
		t.Errorf("error tail = %d, want %d", len(cp.Errors), checkpointErrorTail)
	}
}

func TestDetermineRecoveryStrategy(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	tests := []struct {
		errText string
		want    types.RecoveryStrategy
	}{
		{"out of memory during allocation", types.RecoveryRestart},
		{"heap exhausted", types.RecoveryRestart},
		{"no such file or directory", types.RecoverySkip},
		{"disk quota exceeded", types.RecoverySkip},
		{"permission denied", types.RecoverySkip},
	}
	for _, tt := range tests {
		if got := m.DetermineRecoveryStrategy(tt.errText, ""); got != tt.want {
			t.Errorf("DetermineRecoveryStrategy(%q) = %v, want %v", tt.errText, got, tt.want)
		}
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk) // maxRetries = 2

	want := []types.RecoveryStrategy{
		types.RecoveryRetry,
		types.RecoveryRetry,
		types.RecoveryResume,
	}
	for i, w := range want {
		got := m.DetermineRecoveryStrategy("network timeout talking to peer", "")
		if got != w {
			t.Errorf("attempt %d: strategy = %v, want %v", i, got, w)
		}
	}
}

func TestUnclassifiedErrorUsesRetryBudget(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	if got := m.DetermineRecoveryStrategy("something inexplicable", ""); got != types.RecoveryRetry {
		t.Errorf("first unclassified error = %v, want retry", got)
	}
}

func TestExecuteRestartResetsBudgetAndSleeps(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	// Burn the budget so restart's reset is observable.
	m.DetermineRecoveryStrategy("network timeout", "")
	m.DetermineRecoveryStrategy("network timeout", "")

	before := clk.Now()
	if !m.ExecuteRecovery(types.RecoveryRestart, "") {
		t.Fatal("restart should report recoverable")
	}
	if got := clk.Now().Sub(before); got != 50*time.Millisecond {
		t.Errorf("restart settle delay advanced clock by %v, want 50ms", got)
	}
	if got := m.DetermineRecoveryStrategy("network timeout", ""); got != types.RecoveryRetry {
		t.Errorf("budget after restart = %v, want retry available again", got)
	}
}

func TestExecuteResume(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	if m.ExecuteRecovery(types.RecoveryResume, "") {
		t.Error("resume with no checkpoint should fail")
	}

	if _, err := m.CreateCheckpoint(3, 9, "processing", 2, nil, nil); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if !m.ExecuteRecovery(types.RecoveryResume, "") {
		t.Error("resume with a checkpoint should succeed")
	}
	if m.ExecuteRecovery(types.RecoveryResume, "checkpoint_bogus") {
		t.Error("resume with unknown id should fail")
	}
}

func TestExecuteRetryBounds(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk) // maxRetries = 2

	for i := 0; i < 2; i++ {
		before := clk.Now()
		if !m.ExecuteRecovery(types.RecoveryRetry, "") {
			t.Fatalf("retry %d should report recoverable", i)
		}
		if got := clk.Now().Sub(before); got != 10*time.Millisecond {
			t.Errorf("retry %d delay = %v, want 10ms", i, got)
		}
	}
	if m.ExecuteRecovery(types.RecoveryRetry, "") {
		t.Error("retry past the budget should fail")
	}
}

func TestExecuteSkipRecordsError(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	if !m.ExecuteRecovery(types.RecoverySkip, "") {
		t.Fatal("skip should always report recoverable")
	}
	errs := m.Errors()
	if len(errs) != 1 || errs[0].Severity != types.SeverityLow {
		t.Errorf("errors after skip = %+v", errs)
	}
}

func TestIndexPing(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := newTestManager(t, recoveryConfig(t), clk)

	if err := m.Index().Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
