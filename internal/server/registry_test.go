package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasstream/internal/engine"
)

func pipeConnection(t *testing.T) *engine.Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	cfg := engine.DefaultConfig()
	cfg.Logger = nopLogger()
	return engine.NewServerConnection(a, cfg)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c1, c2 := pipeConnection(t), pipeConnection(t)

	r.Add(c1)
	r.Add(c2)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(c1.ID())
	require.True(t, ok)
	assert.Same(t, c1, got)

	snap := r.Snapshot()
	remaining, ok := r.Remove(c1.ID())
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	assert.Len(t, snap, 2, "snapshot is unaffected by later removals")

	remaining, ok = r.Remove(c1.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, remaining)

	remaining, ok = r.Remove(c2.ID())
	assert.True(t, ok)
	assert.Zero(t, remaining)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	const n = 50
	conns := make([]*engine.Connection, n)
	for i := range conns {
		conns[i] = pipeConnection(t)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Add(c)
		}()
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
		}()
	}
	wg.Wait()
	require.Equal(t, n, r.Len())

	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Remove(c.ID())
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
