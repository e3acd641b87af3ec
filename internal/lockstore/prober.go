package lockstore

// ProcessProber reports whether a process identifier is alive on this host.
// The OS probe differs per platform and tests need deterministic staleness,
// so the check sits behind an interface.
type ProcessProber interface {
	Alive(pid int) bool
}

// ProberFunc adapts a function to ProcessProber.
type ProberFunc func(pid int) bool

func (f ProberFunc) Alive(pid int) bool { return f(pid) }
