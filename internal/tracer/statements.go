package tracer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// Statements compiles the configured program without executing it and
// returns its statements in declaration order.
func Statements(
	log logrus.FieldLogger,
	cfg Config,
	eng dtrace.Engine,
	flags dtrace.OpenFlag,
) ([]dtrace.Statement, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating tracer config: %w", err)
	}

	session, err := dtrace.Open(eng, dtrace.Version, flags, dtrace.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("opening dtrace session: %w", err)
	}
	defer session.Close()

	if err := applyOptions(session, cfg.Options); err != nil {
		return nil, err
	}

	prog, err := compileProgram(session, &cfg)
	if err != nil {
		return nil, err
	}

	var stmts []dtrace.Statement

	err = session.StmtIter(prog, func(_ *dtrace.Session, _ *dtrace.Program, stmt *dtrace.Statement) dtrace.WalkAction {
		stmts = append(stmts, *stmt)

		return dtrace.WalkNext
	})
	if err != nil {
		return nil, fmt.Errorf("iterating statements: %w", err)
	}

	return stmts, nil
}
