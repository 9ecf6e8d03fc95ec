//go:build dtrace && cgo

package native

/*
#include "native.h"
*/
import "C"

import (
	"runtime/cgo"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

var actionNames = map[C.dtrace_actkind_t]string{
	C.DTRACEACT_DIFEXPR:  "trace",
	C.DTRACEACT_EXIT:     "exit",
	C.DTRACEACT_PRINTF:   "printf",
	C.DTRACEACT_PRINTA:   "printa",
	C.DTRACEACT_SYSTEM:   "system",
	C.DTRACEACT_FREOPEN:  "freopen",
	C.DTRACEACT_STACK:    "stack",
	C.DTRACEACT_USTACK:   "ustack",
	C.DTRACEACT_TRACEMEM: "tracemem",
}

func actionName(kind C.dtrace_actkind_t) string {
	if n, ok := actionNames[kind]; ok {
		return n
	}

	return "action"
}

func probeDesc(pd *C.dtrace_probedesc_t) dtrace.ProbeDesc {
	if pd == nil {
		return dtrace.ProbeDesc{}
	}

	return dtrace.ProbeDesc{
		Provider: C.GoString(&pd.dtpd_provider[0]),
		Module:   C.GoString(&pd.dtpd_mod[0]),
		Function: C.GoString(&pd.dtpd_func[0]),
		Name:     C.GoString(&pd.dtpd_name[0]),
	}
}

func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}

	return uint64(ts.Nano())
}

func consumeResult(act dtrace.ConsumeAction) C.int {
	switch act {
	case dtrace.ConsumeNext:
		return C.DTRACE_CONSUME_NEXT
	case dtrace.ConsumeAbort:
		return C.DTRACE_CONSUME_ABORT
	case dtrace.ConsumeError:
		return C.DTRACE_CONSUME_ERROR
	default:
		return C.DTRACE_CONSUME_THIS
	}
}

func handlerResult(act dtrace.HandlerAction) C.int {
	if act == dtrace.HandleAbort {
		return C.DTRACE_HANDLE_ABORT
	}

	return C.DTRACE_HANDLE_OK
}

func walkResult(act dtrace.WalkAction) C.int {
	switch act {
	case dtrace.WalkAbort:
		return C.DTRACE_AGGWALK_ABORT
	case dtrace.WalkClear:
		return C.DTRACE_AGGWALK_CLEAR
	case dtrace.WalkRemove:
		return C.DTRACE_AGGWALK_REMOVE
	case dtrace.WalkError:
		return C.DTRACE_AGGWALK_ERROR
	default:
		return C.DTRACE_AGGWALK_NEXT
	}
}

func newProbeData(pd *C.dtrace_probedata_t) *dtrace.ProbeData {
	data := &dtrace.ProbeData{
		CPU:       int(pd.dtpda_cpu),
		Timestamp: monotonicNow(),
		Probe:     probeDesc(pd.dtpda_pdesc),
	}

	if pd.dtpda_edesc != nil {
		data.EPID = uint32(pd.dtpda_edesc.dtepd_epid)
	}

	return data
}

//export goConsumeProbe
func goConsumeProbe(pd *C.dtrace_probedata_t, arg C.uintptr_t) C.int {
	st := cgo.Handle(arg).Value().(*consumeState)
	st.current = newProbeData(pd)

	return consumeResult(st.probe(st.current))
}

//export goConsumeRecord
func goConsumeRecord(pd *C.dtrace_probedata_t, rec *C.dtrace_recdesc_t, arg C.uintptr_t) C.int {
	st := cgo.Handle(arg).Value().(*consumeState)
	if st.current == nil {
		st.current = newProbeData(pd)
	}

	r := &dtrace.Record{Action: actionName(rec.dtrd_action)}

	// dtpda_data points at this record's payload.
	size := uint32(rec.dtrd_size)
	switch size {
	case 0:
	case 1, 2, 4, 8:
		r.Value = int64(C.dtc_read_int((*C.char)(unsafe.Pointer(pd.dtpda_data)), C.uint32_t(size)))
	default:
		r.Data = C.GoBytes(unsafe.Pointer(pd.dtpda_data), C.int(size))
	}

	return consumeResult(st.rec(st.current, r))
}

//export goAggregate
func goAggregate(agg *C.dtrace_aggdata_t, arg C.uintptr_t) C.int {
	st := cgo.Handle(arg).Value().(*walkState)

	return walkResult(st.fn(decodeAggregate(agg)))
}

//export goStatement
func goStatement(sd *C.dtrace_stmtdesc_t, arg C.uintptr_t) C.int {
	st := cgo.Handle(arg).Value().(*stmtState)

	stmt := &dtrace.Statement{
		Index:   st.index,
		Probe:   probeDesc(&sd.dtsd_ecbdesc.dted_probe),
		Actions: int(C.dtc_act_count(sd)),
	}
	st.index++

	if !st.fn(stmt) {
		return 1
	}

	return 0
}

//export goDrop
func goDrop(d *C.dtrace_dropdata_t, arg C.uintptr_t) C.int {
	c := cgo.Handle(arg).Value().(*conn)

	return handlerResult(c.d.Drop(&dtrace.DropData{
		CPU:   int(d.dtdda_cpu),
		Kind:  dtrace.DropKind(d.dtdda_kind),
		Drops: uint64(d.dtdda_drops),
		Total: uint64(d.dtdda_total),
		Msg:   strings.TrimRight(C.GoString(d.dtdda_msg), "\n"),
	}))
}

//export goErr
func goErr(d *C.dtrace_errdata_t, arg C.uintptr_t) C.int {
	c := cgo.Handle(arg).Value().(*conn)

	data := &dtrace.ErrData{
		CPU:    int(d.dteda_cpu),
		Probe:  probeDesc(d.dteda_pdesc),
		Fault:  C.GoString(C.dtrace_faultstr(c.h, d.dteda_fault)),
		Offset: int(d.dteda_offset),
		Msg:    C.GoString(d.dteda_msg),
	}

	if d.dteda_edesc != nil {
		data.EPID = uint32(d.dteda_edesc.dtepd_epid)
	}

	return handlerResult(c.d.Error(data))
}

//export goSetOpt
func goSetOpt(d *C.dtrace_setoptdata_t, arg C.uintptr_t) C.int {
	c := cgo.Handle(arg).Value().(*conn)

	return handlerResult(c.d.SetOpt(&dtrace.SetOptData{
		Option:   C.GoString(d.dtsda_option),
		OldValue: int64(d.dtsda_oldval),
		NewValue: int64(d.dtsda_newval),
	}))
}
