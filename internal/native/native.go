// Package native binds the dtrace consumer to the system libdtrace. The
// binding is only built with the dtrace build tag and cgo enabled; other
// builds get an engine constructor that reports ErrUnavailable.
package native

import "errors"

// ErrUnavailable is returned by New when the binary was built without
// libdtrace support.
var ErrUnavailable = errors.New("libdtrace support not compiled in (build with -tags dtrace)")
