//go:build dtrace && cgo

package native

/*
#include "native.h"
*/
import "C"

import (
	"bytes"
	"math"
	"unsafe"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

func int64At(p unsafe.Pointer, i int) int64 {
	return *(*int64)(unsafe.Add(p, i*8))
}

// decodeAggregate converts one libdtrace aggregation datum. Record 0 is
// the variable ID, the last record the aggregating action, and the
// records between them the key.
func decodeAggregate(agg *C.dtrace_aggdata_t) *dtrace.AggregateRecord {
	desc := agg.dtada_desc
	nrecs := int(desc.dtagd_nrecs)
	recs := unsafe.Slice(&desc.dtagd_rec[0], nrecs)
	base := unsafe.Pointer(agg.dtada_data)

	out := &dtrace.AggregateRecord{
		VarID:  int(desc.dtagd_varid),
		Name:   C.GoString(desc.dtagd_name),
		Normal: int64(agg.dtada_normal),
	}

	if nrecs < 2 {
		return out
	}

	for _, r := range recs[1 : nrecs-1] {
		out.Key = append(out.Key, keyValue(base, r))
	}

	last := recs[nrecs-1]
	addr := unsafe.Add(base, last.dtrd_offset)

	switch last.dtrd_action {
	case C.DTRACEAGG_COUNT:
		out.Action = dtrace.AggCount
		out.Value = int64At(addr, 0)
	case C.DTRACEAGG_SUM:
		out.Action = dtrace.AggSum
		out.Value = int64At(addr, 0)
	case C.DTRACEAGG_MIN:
		out.Action = dtrace.AggMin
		out.Value = int64At(addr, 0)
	case C.DTRACEAGG_MAX:
		out.Action = dtrace.AggMax
		out.Value = int64At(addr, 0)
	case C.DTRACEAGG_AVG:
		out.Action = dtrace.AggAvg
		out.Count = int64At(addr, 0)
		out.Value = int64At(addr, 1)
	case C.DTRACEAGG_STDDEV:
		out.Action = dtrace.AggStddev
		out.Count = int64At(addr, 0)
		out.Value = int64At(addr, 1)
		// 128-bit sum of squares, low word first.
		lo, hi := uint64(int64At(addr, 2)), uint64(int64At(addr, 3))
		out.SumSquares = float64(hi)*math.Exp2(64) + float64(lo)
	case C.DTRACEAGG_QUANTIZE:
		out.Action = dtrace.AggQuantize
		out.Buckets = quantizeBuckets(addr)
	case C.DTRACEAGG_LQUANTIZE:
		out.Action = dtrace.AggLQuantize
		out.Buckets = lquantizeBuckets(addr)
	case C.DTRACEAGG_LLQUANTIZE:
		out.Action = dtrace.AggLLQuantize
		out.Buckets = llquantizeBuckets(addr)
	}

	return out
}

func keyValue(base unsafe.Pointer, r C.dtrace_recdesc_t) any {
	addr := unsafe.Add(base, r.dtrd_offset)
	size := uint32(r.dtrd_size)

	switch size {
	case 1, 2, 4, 8:
		return int64(C.dtc_read_int((*C.char)(addr), C.uint32_t(size)))
	}

	b := C.GoBytes(addr, C.int(size))
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

func appendBucket(dst []dtrace.Bucket, value, count int64) []dtrace.Bucket {
	if count == 0 {
		return dst
	}

	return append(dst, dtrace.Bucket{Value: value, Count: count})
}

func quantizeBuckets(addr unsafe.Pointer) []dtrace.Bucket {
	var out []dtrace.Bucket

	for i := range int(C.dtc_quantize_nbuckets()) {
		out = appendBucket(out, int64(C.dtc_quantize_bucketval(C.int(i))), int64At(addr, i))
	}

	return out
}

// lquantizeBuckets decodes an encoded argument word followed by an
// underflow bin, levels linear bins and an overflow bin.
func lquantizeBuckets(addr unsafe.Pointer) []dtrace.Bucket {
	arg := C.uint64_t(int64At(addr, 0))
	base := int64(C.dtc_lquantize_base(arg))
	step := int64(C.dtc_lquantize_step(arg))
	levels := int(C.dtc_lquantize_levels(arg))

	out := appendBucket(nil, base-1, int64At(addr, 1))

	for i := range levels {
		out = appendBucket(out, base+int64(i)*step, int64At(addr, i+2))
	}

	return appendBucket(out, base+int64(levels)*step, int64At(addr, levels+2))
}

// llquantizeBuckets decodes log-linear bins: an underflow bin, nsteps
// bins per power of factor from factor^low to factor^high, and an
// overflow bin.
func llquantizeBuckets(addr unsafe.Pointer) []dtrace.Bucket {
	arg := C.uint64_t(int64At(addr, 0))
	factor := int64(C.dtc_llquantize_factor(arg))
	low := int(C.dtc_llquantize_low(arg))
	high := int(C.dtc_llquantize_high(arg))
	nsteps := int64(C.dtc_llquantize_nsteps(arg))

	this := int64(1)
	for range low {
		this *= factor
	}

	bin := 1
	out := appendBucket(nil, 0, int64At(addr, bin))
	bin++

	for order := low; order <= high; order++ {
		next := this * factor

		step := int64(1)
		if next > nsteps {
			step = next / nsteps
		}

		for value := this; value < next; value += step {
			out = appendBucket(out, value, int64At(addr, bin))
			bin++
		}

		this = next
	}

	return appendBucket(out, this, int64At(addr, bin))
}
