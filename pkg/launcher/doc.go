// Package launcher starts and stops local agent processes.
//
// Start spawns the configured agent command detached in a working
// directory and watches the pool for the id the new process claims; the
// launcher never talks to the process directly. Kill walks the other way:
// it resolves an id to its recorded PID, checks the record belongs to this
// host, and escalates from SIGTERM to SIGKILL after a grace window.
//
// Records of killed agents are normally left for the reaper so the rest of
// the fleet sees them age out; purge removes them immediately.
package launcher
