//go:build unix

package liveness

import (
	"os"
	"os/exec"
	"testing"
)

// TestAliveSelf tests that the current process probes as alive
func TestAliveSelf(t *testing.T) {
	p := NewPIDProber()
	if !p.Alive(os.Getpid()) {
		t.Error("own pid should probe alive")
	}
}

// TestAliveInit tests the access-denied path against pid 1
func TestAliveInit(t *testing.T) {
	p := NewPIDProber()
	if !p.Alive(1) {
		t.Error("pid 1 should probe alive regardless of permissions")
	}
}

// TestDeadPID tests that an exited child probes dead
func TestDeadPID(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("child failed: %v", err)
	}

	p := NewPIDProber()
	if p.Alive(pid) {
		t.Errorf("exited pid %d should probe dead", pid)
	}
}

// TestNonPositivePID tests that invalid pids probe dead
func TestNonPositivePID(t *testing.T) {
	p := NewPIDProber()
	if p.Alive(0) {
		t.Error("pid 0 should probe dead")
	}
	if p.Alive(-1) {
		t.Error("pid -1 should probe dead")
	}
}

// TestOutOfRangePID tests a pid beyond the kernel's pid space
func TestOutOfRangePID(t *testing.T) {
	p := NewPIDProber()
	if p.Alive(1 << 30) {
		t.Error("pid beyond pid_max should probe dead")
	}
}
