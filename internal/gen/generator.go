// Package gen manufactures synthetic binary payloads for stress runs.
// Output is deterministic per seed so failing runs can be replayed.
package gen

import (
	"math/rand"

	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/pipeline"
)

// Generator produces chunk payloads with configurable size jitter and an
// optional density of analyzer marker patterns.
type Generator struct {
	cfg config.StressConfig
	rng *rand.Rand
}

// New creates a generator seeded from cfg.Seed.
func New(cfg config.StressConfig) *Generator {
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Next returns the next payload. Size varies around the configured chunk
// size by up to SizeJitterPct in either direction.
func (g *Generator) Next() []byte {
	size := int(g.cfg.ChunkSize)
	if g.cfg.SizeJitterPct > 0 {
		jitter := size * g.cfg.SizeJitterPct / 100
		if jitter > 0 {
			size += g.rng.Intn(2*jitter+1) - jitter
		}
	}
	if size < 2 {
		size = 2
	}

	buf := make([]byte, size)
	g.rng.Read(buf)

	// Scrub accidental marker occurrences, then plant them at the
	// configured rate so analyze-mode counts are controlled by config.
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == pipeline.Marker[0] && buf[i+1] == pipeline.Marker[1] {
			buf[i+1] ^= 0xFF
		}
	}
	if g.cfg.MarkerRate > 0 {
		markers := int(float64(size/1024) * g.cfg.MarkerRate)
		if markers < 1 && g.rng.Float64() < g.cfg.MarkerRate {
			markers = 1
		}
		for i := 0; i < markers; i++ {
			pos := g.rng.Intn(len(buf) - 1)
			buf[pos] = pipeline.Marker[0]
			buf[pos+1] = pipeline.Marker[1]
		}
	}
	return buf
}

// ShouldFault reports whether the runner should inject a synthetic failure
// for the current chunk.
func (g *Generator) ShouldFault() bool {
	return g.cfg.FaultRate > 0 && g.rng.Float64() < g.cfg.FaultRate
}

// FaultMessage returns a synthetic error message drawn from the
// classifier's vocabulary so every recovery path gets exercised.
func (g *Generator) FaultMessage() string {
	msgs := []string{
		"synthetic fault: network timeout while draining capture buffer",
		"synthetic fault: memory allocation pressure in transform buffer",
		"synthetic fault: disk write failed on spill file",
		"synthetic fault: transient capture device stall",
	}
	return msgs[g.rng.Intn(len(msgs))]
}
