package tracer

import (
	"strconv"
	"time"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// Event is one probe firing together with its records.
type Event struct {
	TimestampNs uint64        `json:"timestamp_ns"`
	EPID        uint32        `json:"epid"`
	CPU         int           `json:"cpu"`
	Probe       string        `json:"probe"`
	Records     []EventRecord `json:"records"`
}

// EventRecord is one data record of an Event.
type EventRecord struct {
	Action string `json:"action"`
	Value  int64  `json:"value"`
	Data   string `json:"data,omitempty"`
	Output string `json:"output,omitempty"`
}

func recordFrom(r *dtrace.Record) EventRecord {
	return EventRecord{
		Action: r.Action,
		Value:  r.Value,
		Data:   string(r.Data),
		Output: r.Output,
	}
}

// AggregateSnapshot is the aggregation state observed by one walk.
type AggregateSnapshot struct {
	Taken time.Time
	// Final is set on the walk made after tracing completed.
	Final bool
	Rows  []AggregateRow
}

// AggregateRow is one key of one aggregation.
type AggregateRow struct {
	VarID   int             `json:"var_id"`
	Name    string          `json:"name"`
	Action  string          `json:"action"`
	Key     []string        `json:"key"`
	Value   float64         `json:"value"`
	Count   int64           `json:"count"`
	Buckets []dtrace.Bucket `json:"buckets,omitempty"`
}

func rowFrom(rec *dtrace.AggregateRecord) AggregateRow {
	key := make([]string, 0, len(rec.Key))

	for _, k := range rec.Key {
		switch v := k.(type) {
		case string:
			key = append(key, v)
		case int64:
			key = append(key, strconv.FormatInt(v, 10))
		}
	}

	row := AggregateRow{
		VarID:  rec.VarID,
		Name:   rec.Name,
		Action: rec.Action.String(),
		Key:    key,
		Value:  rec.Scalar(),
		Count:  rec.Count,
	}

	if rec.Action.Quantized() {
		row.Buckets = append([]dtrace.Bucket(nil), rec.Buckets...)
	}

	return row
}
