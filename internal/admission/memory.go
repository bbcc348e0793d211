// Package admission holds the cheap pre-flight gates that run before any
// store or provider I/O: a free-memory floor and a per-product token budget.
package admission

import (
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemorySnapshot reports the memory gate state for health checks.
type MemorySnapshot struct {
	FreeMB        uint64 `json:"free_mb"`
	MinRequiredMB uint64 `json:"min_required_mb"`
	Healthy       bool   `json:"healthy"`
}

// MemoryGuard rejects new work when available system memory drops below a
// configured floor. The sampler is swappable for tests.
type MemoryGuard struct {
	minFreeMB uint64
	sample    func() (uint64, error)
}

// NewMemoryGuard builds a guard backed by the host's virtual memory stats.
func NewMemoryGuard(minFreeMB uint64) *MemoryGuard {
	return &MemoryGuard{minFreeMB: minFreeMB, sample: availableBytes}
}

func availableBytes() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Snapshot samples free memory once. A sampling failure admits the request
// and reports healthy: the gate acts only on a confirmed low reading.
func (g *MemoryGuard) Snapshot() MemorySnapshot {
	free, err := g.sample()
	if err != nil {
		log.Warn().Err(err).Msg("memory sample failed, admitting request")
		return MemorySnapshot{MinRequiredMB: g.minFreeMB, Healthy: true}
	}
	freeMB := free / (1024 * 1024)
	return MemorySnapshot{
		FreeMB:        freeMB,
		MinRequiredMB: g.minFreeMB,
		Healthy:       freeMB >= g.minFreeMB,
	}
}

// Allow reports whether new work may be admitted right now.
func (g *MemoryGuard) Allow() bool {
	return g.Snapshot().Healthy
}
