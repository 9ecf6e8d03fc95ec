package aggregated

import "github.com/ethpandaops/dtconsumer/internal/dtrace"

// Histogram is a quantized distribution as parallel bucket arrays. Bounds
// holds the lower bound of each bucket in ascending order.
type Histogram struct {
	Bounds []int64
	Counts []uint64
}

func histogramFrom(buckets []dtrace.Bucket) Histogram {
	if len(buckets) == 0 {
		return Histogram{}
	}

	h := Histogram{
		Bounds: make([]int64, len(buckets)),
		Counts: make([]uint64, len(buckets)),
	}

	for i, b := range buckets {
		h.Bounds[i] = b.Value

		if b.Count > 0 {
			h.Counts[i] = uint64(b.Count)
		}
	}

	return h
}

// Total returns the number of samples in the distribution.
func (h Histogram) Total() uint64 {
	var n uint64
	for _, c := range h.Counts {
		n += c
	}

	return n
}

// Sub returns the per-bucket change from prev to h. Buckets are matched
// by bound. If any bucket shrank the aggregation was reset and h is
// returned unchanged.
func (h Histogram) Sub(prev Histogram) Histogram {
	before := make(map[int64]uint64, len(prev.Bounds))
	for i, b := range prev.Bounds {
		before[b] = prev.Counts[i]
	}

	out := Histogram{
		Bounds: make([]int64, len(h.Bounds)),
		Counts: make([]uint64, len(h.Counts)),
	}

	for i, b := range h.Bounds {
		p := before[b]
		if h.Counts[i] < p {
			return h
		}

		out.Bounds[i] = b
		out.Counts[i] = h.Counts[i] - p
	}

	return out
}
