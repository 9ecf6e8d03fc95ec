package dtrace

import (
	"fmt"
	"io"
	"strings"
)

const distributionWidth = 40

// FormatAggregate writes rec in the default presentation: key columns
// followed by the value, or a distribution table for quantized actions.
// Engines without a native printer use it for AggregatePrint.
func FormatAggregate(w io.Writer, rec *AggregateRecord) error {
	var sb strings.Builder

	for _, k := range rec.Key {
		switch v := k.(type) {
		case string:
			fmt.Fprintf(&sb, "  %-32s", v)
		default:
			fmt.Fprintf(&sb, "  %16v", v)
		}
	}

	if !rec.Action.Quantized() {
		fmt.Fprintf(&sb, "  %16d\n", int64(rec.Scalar()))

		_, err := io.WriteString(w, sb.String())

		return err
	}

	if len(rec.Key) > 0 {
		sb.WriteByte('\n')
	}

	var total int64
	for _, b := range rec.Buckets {
		total += b.Count
	}

	fmt.Fprintf(&sb, "%16s  %s %s\n", "value",
		"------------- Distribution -------------", "count")

	for _, b := range rec.Buckets {
		bar := 0
		if total > 0 {
			bar = int(b.Count * distributionWidth / total)
		}

		fmt.Fprintf(&sb, "%16d |%s%s %d\n", b.Value,
			strings.Repeat("@", bar), strings.Repeat(" ", distributionWidth-bar), b.Count)
	}

	sb.WriteByte('\n')

	_, err := io.WriteString(w, sb.String())

	return err
}
