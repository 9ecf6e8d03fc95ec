package sink

import (
	"time"
)

// RawEventJSON is the JSON schema for HTTP export of raw events.
type RawEventJSON struct {
	EventDateTime string          `json:"event_date_time"`
	TimestampNs   uint64          `json:"timestamp_ns"`
	EPID          uint32          `json:"epid"`
	CPU           int32           `json:"cpu"`
	Probe         string          `json:"probe"`
	Records       []RawRecordJSON `json:"records"`
	Output        string          `json:"output,omitempty"`
	MetaHostName  string          `json:"meta_host_name,omitempty"`
}

// RawRecordJSON is one record of a RawEventJSON.
type RawRecordJSON struct {
	Action string `json:"action"`
	Value  int64  `json:"value"`
	Data   string `json:"data,omitempty"`
}

func toRawEventJSON(row *rawRow) RawEventJSON {
	recs := make([]RawRecordJSON, len(row.Actions))
	for i := range row.Actions {
		recs[i] = RawRecordJSON{
			Action: row.Actions[i],
			Value:  row.Values[i],
			Data:   row.Data[i],
		}
	}

	return RawEventJSON{
		EventDateTime: row.EventTime.Format(time.RFC3339Nano),
		TimestampNs:   row.TimestampNs,
		EPID:          row.EPID,
		CPU:           row.CPU,
		Probe:         row.Probe,
		Records:       recs,
		Output:        row.Output,
		MetaHostName:  row.Host,
	}
}
