package dtrace_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/dtrace/dtracetest"
)

func countRec(varID int, key int64, value int64) dtrace.AggregateRecord {
	return dtrace.AggregateRecord{
		VarID:  varID,
		Name:   "calls",
		Action: dtrace.AggCount,
		Key:    []any{key},
		Value:  value,
	}
}

func walkKeys(t *testing.T, s *dtrace.Session, order dtrace.WalkOrder) []int64 {
	t.Helper()

	var keys []int64

	err := s.AggregateWalk(func(rec *dtrace.AggregateRecord) dtrace.WalkAction {
		keys = append(keys, rec.Key[0].(int64))

		return dtrace.WalkNext
	}, order)
	require.NoError(t, err)

	return keys
}

func snapped(t *testing.T, recs ...dtrace.AggregateRecord) *fixture {
	t.Helper()

	f := running(t, "BEGIN { @calls[1] = count(); }")

	for _, r := range recs {
		f.conn.SetAggregate(r)
	}

	require.NoError(t, f.s.AggregateSnap())

	return f
}

func TestAggregateWalk_KeyOrders(t *testing.T) {
	f := snapped(t, countRec(1, 3, 10), countRec(1, 1, 30), countRec(1, 2, 20))

	assert.Equal(t, []int64{1, 2, 3}, walkKeys(t, f.s, dtrace.WalkKeySorted))
	assert.Equal(t, []int64{3, 2, 1}, walkKeys(t, f.s, dtrace.WalkKeyRevSorted))
	assert.ElementsMatch(t, []int64{1, 2, 3}, walkKeys(t, f.s, dtrace.WalkUnordered))
}

func TestAggregateWalk_ValueOrders(t *testing.T) {
	f := snapped(t, countRec(1, 3, 10), countRec(1, 1, 30), countRec(1, 2, 20))

	assert.Equal(t, []int64{3, 2, 1}, walkKeys(t, f.s, dtrace.WalkValSorted))
	assert.Equal(t, []int64{3, 2, 1}, walkKeys(t, f.s, dtrace.WalkSorted))
	assert.Equal(t, []int64{1, 2, 3}, walkKeys(t, f.s, dtrace.WalkValRevSorted))
}

func TestAggregateWalk_VarOrders(t *testing.T) {
	// Two aggregations sharing keys.
	f := snapped(t,
		countRec(2, 1, 5),
		countRec(1, 2, 7),
		countRec(1, 1, 9),
		countRec(2, 2, 1),
	)

	type vk struct {
		v int
		k int64
	}

	walk := func(order dtrace.WalkOrder) []vk {
		var out []vk

		require.NoError(t, f.s.AggregateWalk(func(rec *dtrace.AggregateRecord) dtrace.WalkAction {
			out = append(out, vk{rec.VarID, rec.Key[0].(int64)})

			return dtrace.WalkNext
		}, order))

		return out
	}

	assert.Equal(t, []vk{{1, 1}, {1, 2}, {2, 1}, {2, 2}}, walk(dtrace.WalkKeySorted))
	assert.Equal(t, []vk{{1, 1}, {2, 1}, {1, 2}, {2, 2}}, walk(dtrace.WalkKeyVarSorted))
	assert.Equal(t, []vk{{2, 2}, {1, 2}, {2, 1}, {1, 1}}, walk(dtrace.WalkKeyVarRevSorted))
	assert.Equal(t, []vk{{2, 2}, {2, 1}, {1, 2}, {1, 1}}, walk(dtrace.WalkValVarSorted))
	assert.Equal(t, []vk{{1, 1}, {1, 2}, {2, 1}, {2, 2}}, walk(dtrace.WalkValVarRevSorted))
}

func TestAggregateWalk_EveryOrderVisitsEachRecordOnce(t *testing.T) {
	f := snapped(t, countRec(1, 3, 1), countRec(1, 1, 1), countRec(1, 2, 1), countRec(2, 1, 1))

	orders := []dtrace.WalkOrder{
		dtrace.WalkUnordered, dtrace.WalkSorted, dtrace.WalkKeySorted,
		dtrace.WalkValSorted, dtrace.WalkKeyVarSorted, dtrace.WalkValVarSorted,
		dtrace.WalkKeyRevSorted, dtrace.WalkValRevSorted,
		dtrace.WalkKeyVarRevSorted, dtrace.WalkValVarRevSorted,
	}

	for _, order := range orders {
		t.Run(order.String(), func(t *testing.T) {
			n := 0

			require.NoError(t, f.s.AggregateWalk(func(*dtrace.AggregateRecord) dtrace.WalkAction {
				n++

				return dtrace.WalkNext
			}, order))
			assert.Equal(t, 4, n)
		})
	}
}

func TestAggregateWalk_AbortIsNotAnError(t *testing.T) {
	f := snapped(t, countRec(1, 1, 1), countRec(1, 2, 1), countRec(1, 3, 1))

	visits := 0

	err := f.s.AggregateWalk(func(*dtrace.AggregateRecord) dtrace.WalkAction {
		visits++

		return dtrace.WalkAbort
	}, dtrace.WalkKeySorted)
	require.NoError(t, err)
	assert.Equal(t, 1, visits)
}

func TestAggregateWalk_VisitorError(t *testing.T) {
	f := snapped(t, countRec(1, 1, 1))

	err := f.s.AggregateWalk(func(*dtrace.AggregateRecord) dtrace.WalkAction {
		return dtrace.WalkError
	}, dtrace.WalkKeySorted)
	require.Error(t, err)
	assert.ErrorIs(t, err, dtrace.ErrVisitor)
}

func TestAggregateWalk_InvalidOrder(t *testing.T) {
	f := snapped(t)

	err := f.s.AggregateWalk(func(*dtrace.AggregateRecord) dtrace.WalkAction {
		return dtrace.WalkNext
	}, dtrace.WalkOrder(99))
	assert.ErrorIs(t, err, dtrace.ErrInvalidOrder)
}

func TestAggregateWalk_ClearAndRemove(t *testing.T) {
	f := snapped(t, countRec(1, 1, 10), countRec(1, 2, 20))

	require.NoError(t, f.s.AggregateWalk(func(rec *dtrace.AggregateRecord) dtrace.WalkAction {
		if rec.Key[0].(int64) == 1 {
			return dtrace.WalkClear
		}

		return dtrace.WalkRemove
	}, dtrace.WalkKeySorted))

	var values []int64

	require.NoError(t, f.s.AggregateWalk(func(rec *dtrace.AggregateRecord) dtrace.WalkAction {
		values = append(values, rec.Value)

		return dtrace.WalkNext
	}, dtrace.WalkKeySorted))
	assert.Equal(t, []int64{0}, values)
}

func TestAggregateSnap_RateLimited(t *testing.T) {
	f := snapped(t, countRec(1, 1, 1))

	f.conn.SetAggregate(countRec(1, 1, 99))
	require.NoError(t, f.s.AggregateSnap())
	assert.Equal(t, 1, f.conn.Snaps())
	assert.Equal(t, []int64{1}, valuesOf(t, f.s))

	f.clk.Advance(1e9)
	require.NoError(t, f.s.AggregateSnap())
	assert.Equal(t, []int64{99}, valuesOf(t, f.s))
}

func TestAggregateSnap_Failure(t *testing.T) {
	f := running(t, "BEGIN {}")

	f.conn.FailNext("snap", dtracetest.CodeNoMem)

	err := f.s.AggregateSnap()
	require.Error(t, err)
	assert.ErrorIs(t, err, dtrace.ErrConsume)
}

func valuesOf(t *testing.T, s *dtrace.Session) []int64 {
	t.Helper()

	var values []int64

	require.NoError(t, s.AggregateWalk(func(rec *dtrace.AggregateRecord) dtrace.WalkAction {
		values = append(values, rec.Value)

		return dtrace.WalkNext
	}, dtrace.WalkUnordered))

	return values
}

func TestAggregatePrint(t *testing.T) {
	f := snapped(t,
		dtrace.AggregateRecord{VarID: 1, Name: "calls", Action: dtrace.AggCount, Key: []any{"read"}, Value: 12},
		dtrace.AggregateRecord{VarID: 1, Name: "calls", Action: dtrace.AggCount, Key: []any{"write"}, Value: 3},
	)

	var buf bytes.Buffer

	require.NoError(t, f.s.AggregatePrint(&buf, dtrace.WalkSorted))

	out := buf.String()
	assert.Contains(t, out, "read")
	assert.Contains(t, out, "write")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("write")), bytes.Index(buf.Bytes(), []byte("read")),
		"sorted order is ascending by value")
}

func TestAggregatePrint_BufferedHandler(t *testing.T) {
	f := open(t)

	var out bytes.Buffer

	require.NoError(t, f.s.RegisterHandler(dtrace.BufferedHandler(func(d *dtrace.BufData) dtrace.HandlerAction {
		out.WriteString(d.Output)

		return dtrace.HandleOK
	})))

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	f.conn.SetAggregate(countRec(1, 7, 70))
	require.NoError(t, f.s.AggregateSnap())
	require.NoError(t, f.s.AggregatePrint(nil, dtrace.WalkSorted))

	assert.Contains(t, out.String(), "70")
}
