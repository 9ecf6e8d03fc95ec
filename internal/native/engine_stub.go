//go:build !dtrace || !cgo

package native

import (
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// New reports ErrUnavailable.
func New(_ logrus.FieldLogger) (dtrace.Engine, error) {
	return nil, ErrUnavailable
}
