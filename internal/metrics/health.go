package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gftdcojp/spillway/internal/config"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is implemented by stores that can verify their backing handle.
type Pinger interface {
	Ping() error
}

// HealthChecker runs health probes against the process-local resources the
// core owns: the checkpoint index and the owned directories.
type HealthChecker struct {
	index         Pinger
	spillDir      string
	checkpointDir string
}

// NewHealthChecker creates a new health checker. Any field may be zero when
// the corresponding resource is not in use.
func NewHealthChecker(index Pinger, spillDir, checkpointDir string) *HealthChecker {
	return &HealthChecker{
		index:         index,
		spillDir:      spillDir,
		checkpointDir: checkpointDir,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the owned backing resources are reachable.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.index != nil {
		if err := h.index.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "checkpoint_index", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "checkpoint_index", Status: "ok",
			})
		}
	}

	for _, dir := range []struct{ name, path string }{
		{"spill_dir", h.spillDir},
		{"checkpoint_dir", h.checkpointDir},
	} {
		if dir.path == "" {
			continue
		}
		if _, err := os.Stat(dir.path); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: dir.name, Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: dir.name, Status: "ok",
			})
		}
	}

	return status
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		status := checker.Liveness()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		status := checker.Readiness()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

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
