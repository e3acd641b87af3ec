//go:build unix

package lockstore

import (
	"errors"
	"os"
	"syscall"
)

// OSProber probes liveness with a zero signal. Success or EPERM both mean
// the process exists; anything else means it is gone.
type OSProber struct{}

func (OSProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
