package liveness

// Prober reports whether a process is running on this host.
type Prober interface {
	// Alive reports whether pid refers to a running process
	Alive(pid int) bool
}

// PIDProber probes processes on the local machine using OS facilities.
type PIDProber struct{}

// NewPIDProber creates a prober for local processes
func NewPIDProber() *PIDProber {
	return &PIDProber{}
}

// Alive reports whether pid refers to a running process. A probe that fails
// with "access denied" counts as alive: the process exists even though it
// belongs to another user. Only "no such process" counts as dead.
func (p *PIDProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return pidAlive(pid)
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(pid int) bool

// Alive calls f(pid)
func (f ProberFunc) Alive(pid int) bool {
	return f(pid)
}
