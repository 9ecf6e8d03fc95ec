//go:build !linux

package native

// RaiseMemlock is a no-op outside Linux.
func RaiseMemlock() error {
	return nil
}
