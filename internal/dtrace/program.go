package dtrace

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ProbeSpec selects the clause context a source string is compiled in.
type ProbeSpec int

const (
	ProbeSpecNone     ProbeSpec = -1
	ProbeSpecProvider ProbeSpec = 0
	ProbeSpecModule   ProbeSpec = 1
	ProbeSpecFunction ProbeSpec = 2
	ProbeSpecName     ProbeSpec = 3
)

// CompileFlag is a compiler option bit.
type CompileFlag uint32

const (
	CompileDIFV   CompileFlag = 0x0001
	CompileEmpty  CompileFlag = 0x0002
	CompileZDefs  CompileFlag = 0x0004
	CompileEAttr  CompileFlag = 0x0008
	CompileCPP    CompileFlag = 0x0010
	CompileKNoDef CompileFlag = 0x0020
	CompileUNoDef CompileFlag = 0x0040
	CompilePSpec  CompileFlag = 0x0080
	CompileETags  CompileFlag = 0x0100
	CompileArgRef CompileFlag = 0x0200
	CompileDefArg CompileFlag = 0x0800
	CompileNoLibs CompileFlag = 0x1000
)

var compileFlagNames = map[string]CompileFlag{
	"difv":   CompileDIFV,
	"empty":  CompileEmpty,
	"zdefs":  CompileZDefs,
	"eattr":  CompileEAttr,
	"cpp":    CompileCPP,
	"knodef": CompileKNoDef,
	"unodef": CompileUNoDef,
	"pspec":  CompilePSpec,
	"etags":  CompileETags,
	"argref": CompileArgRef,
	"defarg": CompileDefArg,
	"nolibs": CompileNoLibs,
}

// ParseCompileFlags combines flag names such as "zdefs" or "cpp".
func ParseCompileFlags(names []string) (CompileFlag, error) {
	var flags CompileFlag

	for _, name := range names {
		f, ok := compileFlagNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown compile flag %q", name)
		}

		flags |= f
	}

	return flags, nil
}

// Program is a compiled program bound to the Session that produced it.
type Program struct {
	s      *Session
	handle ProgramHandle
}

// Compile compiles D source text. args are the macro arguments $1..$n.
func (s *Session) Compile(source string, spec ProbeSpec, flags CompileFlag, args ...string) (*Program, error) {
	if err := s.live("compile"); err != nil {
		return nil, err
	}

	h, err := s.conn.CompileString(source, spec, flags, args)
	if err != nil {
		return nil, s.fail("compile", KindCompile, err)
	}

	s.advance(StateCompiled)

	s.log.WithFields(logrus.Fields{
		"flags": fmt.Sprintf("%#x", uint32(flags)),
		"args":  len(args),
	}).Debug("Program compiled")

	return &Program{s: s, handle: h}, nil
}

// CompileFile compiles D source read from f. The file stays owned by the
// caller. A nil file compiles the engine's implicit source.
func (s *Session) CompileFile(f *os.File, flags CompileFlag, args ...string) (*Program, error) {
	if err := s.live("compile file"); err != nil {
		return nil, err
	}

	h, err := s.conn.CompileFile(f, flags, args)
	if err != nil {
		return nil, s.fail("compile file", KindCompile, err)
	}

	s.advance(StateCompiled)

	return &Program{s: s, handle: h}, nil
}

// Exec downloads p into the engine. When info is non-nil it is filled in,
// but only if Exec succeeds.
func (s *Session) Exec(p *Program, info *ProgInfo) error {
	if err := s.owned("exec", KindExec, p); err != nil {
		return err
	}

	pi, err := s.conn.Exec(p.handle)
	if err != nil {
		return s.fail("exec", KindExec, err)
	}

	if info != nil {
		*info = pi
	}

	s.advance(StateEnabled)

	s.log.WithFields(logrus.Fields{
		"matches":    pi.Matches,
		"aggregates": pi.Aggregates,
	}).Debug("Program executed")

	return nil
}

// WalkAction is returned by statement and aggregate visitors.
type WalkAction int

const (
	// WalkNext continues with the next element.
	WalkNext WalkAction = iota
	// WalkAbort ends the walk early. It is not an error.
	WalkAbort
	// WalkClear zeroes the current aggregation value.
	WalkClear
	// WalkRemove drops the current record from the snapshot.
	WalkRemove
	// WalkError ends the walk and fails it with ErrVisitor.
	WalkError
)

// StmtFunc visits one statement of a program.
type StmtFunc func(s *Session, p *Program, stmt *Statement) WalkAction

// StmtIter visits the statements of p in declaration order. Any action
// other than WalkNext stops the iteration; only engine failures are
// returned as errors.
func (s *Session) StmtIter(p *Program, fn StmtFunc) error {
	if err := s.owned("stmt iter", KindCompile, p); err != nil {
		return err
	}

	if fn == nil {
		return &Error{Op: "stmt iter", Kind: KindCompile, Err: fmt.Errorf("nil statement visitor")}
	}

	err := s.conn.StmtIter(p.handle, func(stmt *Statement) bool {
		return fn(s, p, stmt) == WalkNext
	})
	if err != nil {
		return s.fail("stmt iter", KindCompile, err)
	}

	return nil
}

// Statements returns every statement of p.
func (p *Program) Statements() ([]Statement, error) {
	var stmts []Statement

	err := p.s.StmtIter(p, func(_ *Session, _ *Program, stmt *Statement) WalkAction {
		stmts = append(stmts, *stmt)

		return WalkNext
	})
	if err != nil {
		return nil, err
	}

	return stmts, nil
}

// owned checks that p was produced by s and that s is still open.
func (s *Session) owned(op string, kind Kind, p *Program) error {
	if err := s.live(op); err != nil {
		return err
	}

	if p == nil || p.s != s {
		return &Error{Op: op, Kind: kind, Err: ErrForeignProgram}
	}

	return nil
}
