package admission

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryGuardSnapshot(t *testing.T) {
	const mb = 1024 * 1024

	t.Run("healthy above floor", func(t *testing.T) {
		g := NewMemoryGuard(500)
		g.sample = func() (uint64, error) { return 800 * mb, nil }

		snap := g.Snapshot()
		assert.True(t, snap.Healthy)
		assert.Equal(t, uint64(800), snap.FreeMB)
		assert.Equal(t, uint64(500), snap.MinRequiredMB)
		assert.True(t, g.Allow())
	})

	t.Run("unhealthy below floor", func(t *testing.T) {
		g := NewMemoryGuard(500)
		g.sample = func() (uint64, error) { return 120 * mb, nil }

		snap := g.Snapshot()
		assert.False(t, snap.Healthy)
		assert.Equal(t, uint64(120), snap.FreeMB)
		assert.False(t, g.Allow())
	})

	t.Run("exact floor is healthy", func(t *testing.T) {
		g := NewMemoryGuard(500)
		g.sample = func() (uint64, error) { return 500 * mb, nil }

		assert.True(t, g.Allow())
	})

	t.Run("sampling failure admits", func(t *testing.T) {
		g := NewMemoryGuard(500)
		g.sample = func() (uint64, error) { return 0, errors.New("proc unavailable") }

		snap := g.Snapshot()
		assert.True(t, snap.Healthy)
		assert.Equal(t, uint64(0), snap.FreeMB)
	})
}
