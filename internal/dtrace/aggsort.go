package dtrace

import (
	"cmp"
	"math"
	"slices"
	"strings"
)

type aggCompare func(a, b *AggregateRecord) int

var walkComparators = map[WalkOrder]aggCompare{
	WalkSorted:          varValCompare,
	WalkKeySorted:       varKeyCompare,
	WalkValSorted:       varValCompare,
	WalkKeyVarSorted:    keyVarCompare,
	WalkValVarSorted:    valVarCompare,
	WalkKeyRevSorted:    reverse(varKeyCompare),
	WalkValRevSorted:    reverse(varValCompare),
	WalkKeyVarRevSorted: reverse(keyVarCompare),
	WalkValVarRevSorted: reverse(valVarCompare),
}

// SortAggregates orders recs in place for order. Records that compare
// equal keep their snapshot order. WalkUnordered leaves recs untouched.
func SortAggregates(recs []AggregateRecord, order WalkOrder) {
	less, ok := walkComparators[order]
	if !ok {
		return
	}

	slices.SortStableFunc(recs, func(a, b AggregateRecord) int {
		return less(&a, &b)
	})
}

func reverse(c aggCompare) aggCompare {
	return func(a, b *AggregateRecord) int {
		return c(b, a)
	}
}

func varCompare(a, b *AggregateRecord) int {
	return cmp.Compare(a.VarID, b.VarID)
}

func keyCompare(a, b *AggregateRecord) int {
	n := min(len(a.Key), len(b.Key))

	for i := 0; i < n; i++ {
		if c := keyElemCompare(a.Key[i], b.Key[i]); c != 0 {
			return c
		}
	}

	return cmp.Compare(len(a.Key), len(b.Key))
}

// keyElemCompare orders integers before strings.
func keyElemCompare(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)

	switch {
	case aInt && bInt:
		return cmp.Compare(ai, bi)
	case aInt:
		return -1
	case bInt:
		return 1
	}

	as, _ := a.(string)
	bs, _ := b.(string)

	return strings.Compare(as, bs)
}

func valCompare(a, b *AggregateRecord) int {
	if a.Action != b.Action {
		return cmp.Compare(a.Action, b.Action)
	}

	switch a.Action {
	case AggAvg:
		return cmp.Compare(mean(a), mean(b))
	case AggStddev:
		return cmp.Compare(stddev(a), stddev(b))
	case AggQuantize, AggLQuantize, AggLLQuantize:
		return quantizedCompare(a, b)
	default:
		return cmp.Compare(a.Value, b.Value)
	}
}

// quantizedCompare orders distributions by their weighted sum, then by
// their count in the zero bucket.
func quantizedCompare(a, b *AggregateRecord) int {
	if c := cmp.Compare(weightedSum(a.Buckets), weightedSum(b.Buckets)); c != 0 {
		return c
	}

	return cmp.Compare(zeroCount(a.Buckets), zeroCount(b.Buckets))
}

func weightedSum(buckets []Bucket) float64 {
	var sum float64
	for _, b := range buckets {
		sum += float64(b.Value) * float64(b.Count)
	}

	return sum
}

func zeroCount(buckets []Bucket) int64 {
	for _, b := range buckets {
		if b.Value == 0 {
			return b.Count
		}
	}

	return 0
}

func mean(r *AggregateRecord) float64 {
	if r.Count == 0 {
		return 0
	}

	return float64(r.Value) / float64(r.Count)
}

func stddev(r *AggregateRecord) float64 {
	if r.Count == 0 {
		return 0
	}

	m := mean(r)
	v := r.SumSquares/float64(r.Count) - m*m

	if v <= 0 {
		return 0
	}

	return math.Sqrt(v)
}

func then(cs ...aggCompare) aggCompare {
	return func(a, b *AggregateRecord) int {
		for _, c := range cs {
			if r := c(a, b); r != 0 {
				return r
			}
		}

		return 0
	}
}

var (
	varKeyCompare = then(varCompare, keyCompare)
	keyVarCompare = then(keyCompare, varCompare)
	varValCompare = then(varCompare, valCompare, keyCompare)
	valVarCompare = then(valCompare, keyCompare, varCompare)
)
