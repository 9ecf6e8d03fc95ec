package dtracetest

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

type optKind int

const (
	optRate optKind = iota
	optSize
	optPolicy
	optResize
	optBool
	optInt
)

// optUnset is the integer form of an option that was never set.
const optUnset = -2

var optionTable = map[string]optKind{
	"switchrate":   optRate,
	"statusrate":   optRate,
	"aggrate":      optRate,
	"cleanrate":    optRate,
	"bufsize":      optSize,
	"aggsize":      optSize,
	"dynvarsize":   optSize,
	"specsize":     optSize,
	"strsize":      optSize,
	"bufpolicy":    optPolicy,
	"bufresize":    optResize,
	"quiet":        optBool,
	"flowindent":   optBool,
	"destructive":  optBool,
	"rawbytes":     optBool,
	"aggsortkey":   optBool,
	"aggsortrev":   optBool,
	"nspec":        optInt,
	"cpu":          optInt,
	"stackframes":  optInt,
	"ustackframes": optInt,
	"jstackframes": optInt,
}

func defaultOptions() map[string]int64 {
	opts := make(map[string]int64, len(optionTable))

	for name := range optionTable {
		opts[name] = optUnset
	}

	opts["switchrate"] = int64(time.Second)
	opts["statusrate"] = int64(time.Second)
	opts["aggrate"] = int64(time.Second)
	opts["cleanrate"] = int64(time.Second / 101)
	opts["bufsize"] = 4 << 20
	opts["aggsize"] = 4 << 20
	opts["bufpolicy"] = 2
	opts["nspec"] = 1

	return opts
}

var errBadValue = errors.New("bad option value")

// parseOption converts value to the integer form of option name.
func parseOption(kind optKind, value string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(value))

	switch kind {
	case optRate:
		return parseRate(v)
	case optSize:
		return parseSize(v)
	case optPolicy:
		switch v {
		case "ring":
			return 0, nil
		case "fill":
			return 1, nil
		case "switch":
			return 2, nil
		}
	case optResize:
		switch v {
		case "auto":
			return 0, nil
		case "manual":
			return 1, nil
		}
	case optBool:
		if v == "" || v == "set" {
			return 0, nil
		}
	case optInt:
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n >= 0 {
			return n, nil
		}
	}

	return 0, errBadValue
}

// parseRate accepts a frequency ("10hz" or a bare number of hertz) or a
// duration ("100ms") and returns the period in nanoseconds.
func parseRate(v string) (int64, error) {
	hz := strings.TrimSuffix(v, "hz")

	if n, err := strconv.ParseInt(hz, 10, 64); err == nil {
		// Faster than 1GHz truncates to a zero period.
		if n <= 0 || n > int64(time.Second) {
			return 0, errBadValue
		}

		return int64(time.Second) / n, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, errBadValue
	}

	return int64(d), nil
}

func parseSize(v string) (int64, error) {
	mult := int64(1)

	if v != "" {
		switch v[len(v)-1] {
		case 'k':
			mult = 1 << 10
		case 'm':
			mult = 1 << 20
		case 'g':
			mult = 1 << 30
		case 't':
			mult = 1 << 40
		}

		if mult != 1 {
			v = v[:len(v)-1]
		}
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errBadValue
	}

	return n * mult, nil
}
