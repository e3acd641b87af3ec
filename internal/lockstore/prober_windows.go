//go:build windows

package lockstore

import "os"

// OSProber probes liveness by opening a process handle. On Windows
// FindProcess fails for absent PIDs.
type OSProber struct{}

func (OSProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}
