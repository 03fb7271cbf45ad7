package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)

	if !m.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", m.Now(), start)
	}

	m.Advance(time.Minute)
	if got := m.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("after Advance: Now() = %v", got)
	}

	// Sleep advances virtual time instead of blocking.
	done := make(chan struct{})
	go func() {
		m.Sleep(time.Hour)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep blocked on a manual clock")
	}
	if got := m.Now(); !got.Equal(start.Add(time.Minute + time.Hour)) {
		t.Errorf("after Sleep: Now() = %v", got)
	}
}
