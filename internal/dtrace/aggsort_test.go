package dtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortAggregates_StableOnTies(t *testing.T) {
	recs := []AggregateRecord{
		{VarID: 1, Action: AggCount, Key: []any{int64(1)}, Value: 5, Name: "first"},
		{VarID: 1, Action: AggCount, Key: []any{int64(1)}, Value: 5, Name: "second"},
		{VarID: 1, Action: AggCount, Key: []any{int64(0)}, Value: 9, Name: "third"},
	}

	SortAggregates(recs, WalkKeySorted)

	assert.Equal(t, "third", recs[0].Name)
	assert.Equal(t, "first", recs[1].Name)
	assert.Equal(t, "second", recs[2].Name)
}

func TestSortAggregates_IntKeysBeforeStrings(t *testing.T) {
	recs := []AggregateRecord{
		{VarID: 1, Key: []any{"b"}},
		{VarID: 1, Key: []any{int64(10)}},
		{VarID: 1, Key: []any{"a"}},
	}

	SortAggregates(recs, WalkKeySorted)

	assert.Equal(t, []any{int64(10)}, recs[0].Key)
	assert.Equal(t, []any{"a"}, recs[1].Key)
	assert.Equal(t, []any{"b"}, recs[2].Key)
}

func TestSortAggregates_ShorterKeyFirst(t *testing.T) {
	recs := []AggregateRecord{
		{VarID: 1, Key: []any{int64(1), int64(2)}},
		{VarID: 1, Key: []any{int64(1)}},
	}

	SortAggregates(recs, WalkKeySorted)

	assert.Len(t, recs[0].Key, 1)
}

func TestValCompare_Actions(t *testing.T) {
	tests := []struct {
		name string
		a, b AggregateRecord
		want int
	}{
		{
			name: "different actions compare by action",
			a:    AggregateRecord{Action: AggSum, Value: 100},
			b:    AggregateRecord{Action: AggCount, Value: 1},
			want: 1,
		},
		{
			name: "avg compares means",
			a:    AggregateRecord{Action: AggAvg, Value: 30, Count: 10},
			b:    AggregateRecord{Action: AggAvg, Value: 10, Count: 2},
			want: -1,
		},
		{
			name: "avg with zero count",
			a:    AggregateRecord{Action: AggAvg},
			b:    AggregateRecord{Action: AggAvg, Value: 1, Count: 1},
			want: -1,
		},
		{
			name: "stddev",
			a:    AggregateRecord{Action: AggStddev, Value: 20, Count: 2, SumSquares: 200},
			b:    AggregateRecord{Action: AggStddev, Value: 20, Count: 2, SumSquares: 202},
			want: -1,
		},
		{
			name: "quantize by weighted sum",
			a: AggregateRecord{Action: AggQuantize, Buckets: []Bucket{
				{Value: 1, Count: 4}, {Value: 2, Count: 1},
			}},
			b: AggregateRecord{Action: AggQuantize, Buckets: []Bucket{
				{Value: 8, Count: 1},
			}},
			want: -1,
		},
		{
			name: "quantize ties broken by zero bucket",
			a: AggregateRecord{Action: AggLQuantize, Buckets: []Bucket{
				{Value: 0, Count: 3}, {Value: 4, Count: 1},
			}},
			b: AggregateRecord{Action: AggLQuantize, Buckets: []Bucket{
				{Value: 0, Count: 1}, {Value: 4, Count: 1},
			}},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valCompare(&tt.a, &tt.b))
			assert.Equal(t, -tt.want, valCompare(&tt.b, &tt.a))
		})
	}
}

func TestParseWalkOrder(t *testing.T) {
	for i := range walkOrderNames {
		order := WalkOrder(i)

		got, err := ParseWalkOrder(order.String())
		assert.NoError(t, err)
		assert.Equal(t, order, got)
	}

	got, err := ParseWalkOrder("")
	assert.NoError(t, err)
	assert.Equal(t, WalkSorted, got)

	_, err = ParseWalkOrder("sideways")
	assert.ErrorIs(t, err, ErrInvalidOrder)
}
