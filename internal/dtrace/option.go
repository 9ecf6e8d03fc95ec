package dtrace

import (
	"github.com/sirupsen/logrus"
)

// Option names read by the consumption loop itself. Every other option is
// passed through to the engine untouched.
const (
	OptSwitchRate = "switchrate"
	OptStatusRate = "statusrate"
	OptAggRate    = "aggrate"
	OptBufPolicy  = "bufpolicy"
)

// BufPolicy is the integer form of the bufpolicy option.
type BufPolicy int64

const (
	BufPolicyRing BufPolicy = iota
	BufPolicyFill
	BufPolicySwitch
)

func (p BufPolicy) String() string {
	switch p {
	case BufPolicyRing:
		return "ring"
	case BufPolicyFill:
		return "fill"
	case BufPolicySwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// SetOpt sets a named engine option. The engine validates both name and
// value.
func (s *Session) SetOpt(name, value string) error {
	if err := s.live("setopt"); err != nil {
		return err
	}

	if err := s.conn.SetOpt(name, value); err != nil {
		return s.fail("setopt "+name, KindOption, err)
	}

	s.advance(StateConfigured)

	s.log.WithFields(logrus.Fields{
		"option": name,
		"value":  value,
	}).Debug("Option set")

	return nil
}

// GetOpt returns the engine's integer form of a named option.
func (s *Session) GetOpt(name string) (int64, error) {
	if err := s.live("getopt"); err != nil {
		return 0, err
	}

	v, err := s.conn.GetOpt(name)
	if err != nil {
		return 0, s.fail("getopt "+name, KindOption, err)
	}

	return v, nil
}
