/*
Package liveness provides process liveness probes for Partyline.

The janitor reaps agent records whose owning process has died without
cleaning up after itself (SIGKILL, power loss, crashed terminal). This
package answers the one question that reaping depends on: does a recorded
pid still refer to a running process on this machine?

# Semantics

The probe must never report a live process as dead, so the error surface
of the OS probe maps conservatively:

	probe succeeds        -> alive
	access denied         -> alive (the pid exists under another user)
	no such process       -> dead
	any other error       -> alive

Only records whose hostname matches the probing machine are ever probed;
a pid from another host is meaningless here and the janitor leaves those
to TTL reaping.

# Platform Notes

Unix:
  - Signal 0 via kill(2) performs existence and permission checks without
    delivering a signal
  - ESRCH is the only error that proves absence

Windows:
  - OpenProcess proves existence; ERROR_ACCESS_DENIED also proves it
  - Windows keeps exited processes openable while handles remain, so an
    open handle is additionally checked for the STILL_ACTIVE exit code

# Usage

	prober := liveness.NewPIDProber()
	if !prober.Alive(peer.PID) {
		// reap the record
	}

Tests substitute ProberFunc to fake process tables:

	dead := liveness.ProberFunc(func(pid int) bool { return false })

# See Also

  - pkg/janitor: the only production caller
*/
package liveness
