package dtracetest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// program is a compiled program of the fake engine.
type program struct {
	conn     *Conn
	stmts    []dtrace.Statement
	info     dtrace.ProgInfo
	executed bool
}

type compileError struct {
	msg string
}

func (e *compileError) Error() string {
	return e.msg
}

var knownProviders = map[string]bool{
	"dtrace":   true,
	"profile":  true,
	"syscall":  true,
	"fbt":      true,
	"sdt":      true,
	"proc":     true,
	"sched":    true,
	"io":       true,
	"lockstat": true,
	"vminfo":   true,
	"sysinfo":  true,
}

var (
	macroRef     = regexp.MustCompile(`\$\$?(\d+)`)
	aggRef       = regexp.MustCompile(`@([A-Za-z_]\w*)?`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`//[^\n]*`)
)

// compile is a small stand-in for the D compiler. It understands clause
// structure, probe descriptions, predicates and macro arguments, which is
// enough to drive the consumer through every compile path.
func compile(src string, spec dtrace.ProbeSpec, flags dtrace.CompileFlag, args []string) (*program, error) {
	text := blockComment.ReplaceAllString(src, "")
	text = lineComment.ReplaceAllString(text, "")
	text = stripDirectives(text)

	if err := checkMacros(text, flags, args); err != nil {
		return nil, err
	}

	if spec == dtrace.ProbeSpecNone {
		spec = dtrace.ProbeSpecName
	}

	p := &program{}

	rest := text
	for strings.TrimSpace(rest) != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			// A trailing description without a body takes the default action.
			if err := p.addClause(rest, "", spec, flags); err != nil {
				return nil, err
			}

			break
		}

		end, err := matchBrace(rest, open)
		if err != nil {
			return nil, err
		}

		if err := p.addClause(rest[:open], rest[open+1:end], spec, flags); err != nil {
			return nil, err
		}

		rest = rest[end+1:]
	}

	if len(p.stmts) == 0 && flags&dtrace.CompileEmpty == 0 {
		return nil, &compileError{msg: "program contains no probe descriptions"}
	}

	p.info.Aggregates = countAggregations(text)
	p.info.Speculations = strings.Count(text, "speculation()")

	return p, nil
}

func stripDirectives(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]

	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "#") {
			continue
		}

		kept = append(kept, l)
	}

	return strings.Join(kept, "\n")
}

func checkMacros(text string, flags dtrace.CompileFlag, args []string) error {
	referenced := make(map[int]bool, len(args))

	for _, m := range macroRef.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n == 0 {
			continue
		}

		referenced[n] = true

		if n > len(args) && flags&dtrace.CompileDefArg == 0 {
			return &compileError{msg: fmt.Sprintf("macro argument $%d is not defined", n)}
		}
	}

	if flags&dtrace.CompileArgRef != 0 {
		return nil
	}

	for i, a := range args {
		if !referenced[i+1] {
			return &compileError{
				msg: fmt.Sprintf("extraneous argument '%s' ($%d is not referenced)", a, i+1),
			}
		}
	}

	return nil
}

func matchBrace(s string, open int) (int, error) {
	depth := 0

	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}

	return 0, &compileError{msg: "syntax error near end of input"}
}

func (p *program) addClause(header, body string, spec dtrace.ProbeSpec, flags dtrace.CompileFlag) error {
	descs := header
	if i := strings.IndexByte(header, '/'); i >= 0 {
		j := strings.LastIndexByte(header, '/')
		if j == i {
			return &compileError{msg: "syntax error near \"/\""}
		}

		descs = header[:i]
	}

	var probes []dtrace.ProbeDesc

	for _, d := range strings.Split(descs, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}

		pd, err := parseDesc(d, spec)
		if err != nil {
			return err
		}

		if pd.Provider != "" && !providerKnown(pd.Provider) && flags&dtrace.CompileZDefs == 0 {
			return &compileError{
				msg: fmt.Sprintf("probe description %s does not match any probes", pd),
			}
		}

		probes = append(probes, pd)
	}

	if len(probes) == 0 {
		return &compileError{msg: "syntax error: probe description expected"}
	}

	actions, records := 0, 0

	for _, stmt := range strings.Split(body, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}

		actions++

		if !strings.HasPrefix(stmt, "@") {
			records++
		}
	}

	if actions == 0 {
		records = 1
	}

	p.stmts = append(p.stmts, dtrace.Statement{
		Index:   len(p.stmts),
		Probe:   probes[0],
		Actions: actions,
	})

	p.info.Matches += len(probes)
	p.info.RecordGenerators += records

	return nil
}

func parseDesc(desc string, spec dtrace.ProbeSpec) (dtrace.ProbeDesc, error) {
	parts := strings.Split(desc, ":")
	offset := int(spec) - (len(parts) - 1)

	if len(parts) > 4 || offset < 0 {
		return dtrace.ProbeDesc{}, &compileError{
			msg: fmt.Sprintf("invalid probe description \"%s\"", desc),
		}
	}

	var fields [4]string
	copy(fields[offset:], parts)

	return dtrace.ProbeDesc{
		Provider: fields[0],
		Module:   fields[1],
		Function: fields[2],
		Name:     fields[3],
	}, nil
}

func providerKnown(provider string) bool {
	if knownProviders[provider] {
		return true
	}

	if rest, ok := strings.CutPrefix(provider, "pid"); ok {
		if rest == "" || rest == "*" || rest == "$target" {
			return true
		}

		_, err := strconv.Atoi(rest)

		return err == nil
	}

	return false
}

func countAggregations(text string) int {
	names := make(map[string]struct{})

	for _, m := range aggRef.FindAllStringSubmatch(text, -1) {
		names[m[1]] = struct{}{}
	}

	return len(names)
}
