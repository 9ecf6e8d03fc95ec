package tracer

import (
	"sync/atomic"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// DropStats provides lock-free per-DropKind counters.
// Snapshot atomically reads and resets all counters, making it
// suitable for periodic reporting without contention.
type DropStats struct {
	counts [dtrace.MaxDropKind + 1]atomic.Uint64
}

// NewDropStats creates a new DropStats instance.
func NewDropStats() *DropStats {
	return &DropStats{}
}

// Record adds n drops of kind k.
func (s *DropStats) Record(k dtrace.DropKind, n uint64) {
	if k < 0 || k > dtrace.MaxDropKind {
		return
	}

	s.counts[k].Add(n)
}

// Snapshot atomically reads and resets all counters, returning
// a map of only non-zero entries.
func (s *DropStats) Snapshot() map[dtrace.DropKind]uint64 {
	result := make(map[dtrace.DropKind]uint64, len(s.counts))

	for i := range s.counts {
		v := s.counts[i].Swap(0)
		if v > 0 {
			result[dtrace.DropKind(i)] = v
		}
	}

	return result
}
