package native

import (
	"fmt"

	"github.com/cilium/ebpf/rlimit"
)

// RaiseMemlock removes the RLIMIT_MEMLOCK ceiling for the current process
// so locked tracing buffers can be allocated.
func RaiseMemlock() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock rlimit: %w", err)
	}

	return nil
}
