package dtrace

import (
	"fmt"
	"io"
	"strings"
)

// WalkOrder selects the order in which AggregateWalk visits records.
type WalkOrder int

const (
	// WalkUnordered visits records in snapshot order.
	WalkUnordered WalkOrder = iota
	// WalkSorted is the engine's default order. It equals WalkValSorted.
	WalkSorted
	WalkKeySorted
	WalkValSorted
	WalkKeyVarSorted
	WalkValVarSorted
	WalkKeyRevSorted
	WalkValRevSorted
	WalkKeyVarRevSorted
	WalkValVarRevSorted
)

var walkOrderNames = [...]string{
	WalkUnordered:       "none",
	WalkSorted:          "sorted",
	WalkKeySorted:       "keysorted",
	WalkValSorted:       "valsorted",
	WalkKeyVarSorted:    "keyvarsorted",
	WalkValVarSorted:    "valvarsorted",
	WalkKeyRevSorted:    "keyrevsorted",
	WalkValRevSorted:    "valrevsorted",
	WalkKeyVarRevSorted: "keyvarrevsorted",
	WalkValVarRevSorted: "valvarrevsorted",
}

func (o WalkOrder) String() string {
	if !o.valid() {
		return fmt.Sprintf("order(%d)", int(o))
	}

	return walkOrderNames[o]
}

func (o WalkOrder) valid() bool {
	return o >= WalkUnordered && int(o) < len(walkOrderNames)
}

// ParseWalkOrder parses the names returned by WalkOrder.String. The empty
// string means WalkSorted.
func ParseWalkOrder(name string) (WalkOrder, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return WalkSorted, nil
	}

	for i, n := range walkOrderNames {
		if n == name {
			return WalkOrder(i), nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidOrder, name)
}

// AggregateAction is the aggregating function of a record.
type AggregateAction int

const (
	AggCount AggregateAction = iota + 1
	AggSum
	AggAvg
	AggMin
	AggMax
	AggStddev
	AggQuantize
	AggLQuantize
	AggLLQuantize
)

var aggActionNames = map[AggregateAction]string{
	AggCount:      "count",
	AggSum:        "sum",
	AggAvg:        "avg",
	AggMin:        "min",
	AggMax:        "max",
	AggStddev:     "stddev",
	AggQuantize:   "quantize",
	AggLQuantize:  "lquantize",
	AggLLQuantize: "llquantize",
}

func (a AggregateAction) String() string {
	if n, ok := aggActionNames[a]; ok {
		return n
	}

	return "unknown"
}

// Quantized reports whether values of a are distributions.
func (a AggregateAction) Quantized() bool {
	return a == AggQuantize || a == AggLQuantize || a == AggLLQuantize
}

// Bucket is one bin of a quantized distribution.
type Bucket struct {
	// Value is the lower bound of the bin.
	Value int64
	Count int64
}

// AggregateRecord is one key of one aggregation in a snapshot. This layer
// only orders records; it never reinterprets their payload.
type AggregateRecord struct {
	VarID  int
	Name   string
	Action AggregateAction
	// Key holds int64 or string elements.
	Key []any
	// Value is the scalar result. For avg it is the running sum, for
	// stddev the sum of values.
	Value int64
	// Count is the number of samples for avg and stddev.
	Count      int64
	SumSquares float64
	Buckets    []Bucket
	// Normal is the normalization divisor, or zero.
	Normal int64
}

// Scalar returns the value as printed for scalar actions.
func (r *AggregateRecord) Scalar() float64 {
	switch r.Action {
	case AggAvg:
		if r.Count == 0 {
			return 0
		}

		return float64(r.Value) / float64(r.Count)
	case AggStddev:
		return stddev(r)
	case AggQuantize, AggLQuantize, AggLLQuantize:
		var total int64
		for _, b := range r.Buckets {
			total += b.Count
		}

		return float64(total)
	default:
		v := float64(r.Value)
		if r.Normal > 1 {
			v /= float64(r.Normal)
		}

		return v
	}
}

// AggregateFunc visits one aggregation record.
type AggregateFunc func(*AggregateRecord) WalkAction

// AggregateWalk visits the staged snapshot in the given order. WalkAbort
// from fn ends the walk without error; WalkError fails it with ErrVisitor.
func (s *Session) AggregateWalk(fn AggregateFunc, order WalkOrder) error {
	const op = "aggregate walk"

	if err := s.live(op); err != nil {
		return err
	}

	if !order.valid() {
		return &Error{Op: op, Kind: KindConsume, Err: ErrInvalidOrder}
	}

	var last WalkAction

	err := s.conn.AggregateWalk(order, func(rec *AggregateRecord) WalkAction {
		last = fn(rec)

		return last
	})

	switch {
	case last == WalkAbort:
		return nil
	case last == WalkError:
		return &Error{Op: op, Kind: KindConsume, Code: codeOf(err), Err: ErrVisitor}
	case err != nil:
		return s.fail(op, KindConsume, err)
	}

	return nil
}

// AggregatePrint writes every staged record to out in the engine's default
// presentation. A nil out routes through the Buffered handler. order
// overrides the default WalkSorted order.
func (s *Session) AggregatePrint(out io.Writer, order WalkOrder) error {
	const op = "aggregate print"

	if err := s.live(op); err != nil {
		return err
	}

	if !order.valid() {
		return &Error{Op: op, Kind: KindConsume, Err: ErrInvalidOrder}
	}

	err := s.conn.AggregatePrint(s.handlers.output(out), order)

	if s.handlers.takeAbort() {
		return &Error{Op: op, Kind: KindConsume, Err: ErrAborted}
	}

	if err != nil {
		return s.fail(op, KindConsume, err)
	}

	return nil
}
