package tracer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

func TestDropStats_Record(t *testing.T) {
	s := NewDropStats()

	s.Record(dtrace.DropPrincipal, 3)
	s.Record(dtrace.DropPrincipal, 2)
	s.Record(dtrace.DropDynamic, 1)

	snap := s.Snapshot()
	assert.Equal(t, uint64(5), snap[dtrace.DropPrincipal])
	assert.Equal(t, uint64(1), snap[dtrace.DropDynamic])
	assert.Len(t, snap, 2)
}

func TestDropStats_SnapshotResetsCounters(t *testing.T) {
	s := NewDropStats()

	s.Record(dtrace.DropSpeculation, 1)
	s.Record(dtrace.DropAggregation, 1)

	snap1 := s.Snapshot()
	require.Len(t, snap1, 2)

	// Counters were reset by the first snapshot.
	snap2 := s.Snapshot()
	assert.Len(t, snap2, 0)
}

func TestDropStats_BoundsCheck(t *testing.T) {
	s := NewDropStats()

	s.Record(dtrace.DropKind(-1), 5)
	s.Record(dtrace.MaxDropKind+1, 5)

	assert.Len(t, s.Snapshot(), 0)
}

func TestDropStats_AllKinds(t *testing.T) {
	s := NewDropStats()

	for k := dtrace.DropPrincipal; k <= dtrace.MaxDropKind; k++ {
		s.Record(k, 1)
	}

	snap := s.Snapshot()
	assert.Len(t, snap, int(dtrace.MaxDropKind)+1)

	for k := dtrace.DropPrincipal; k <= dtrace.MaxDropKind; k++ {
		assert.Equal(t, uint64(1), snap[k], "drop kind %s", k)
	}
}

func TestDropStats_ConcurrentAccess(t *testing.T) {
	s := NewDropStats()

	const goroutines = 100
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()

			for range iterations {
				s.Record(dtrace.DropPrincipal, 1)
				s.Record(dtrace.DropDoubleError, 2)
			}
		}()
	}

	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, uint64(goroutines*iterations), snap[dtrace.DropPrincipal])
	assert.Equal(t, uint64(2*goroutines*iterations), snap[dtrace.DropDoubleError])
}
