package procmgr

import (
	"os/exec"
	"testing"
	"time"
)

func startSleep(t *testing.T, seconds string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", seconds)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	return cmd
}

func TestRegisterRejectsUnstartedProcess(t *testing.T) {
	m := New()
	cmd := exec.Command("sleep", "1")
	if err := m.Register("wo-1", "run-1", cmd); err == nil {
		t.Fatal("expected Register to reject a process with no pid")
	}
}

func TestRegisterEmitsRegisteredEvent(t *testing.T) {
	m := New()
	cmd := startSleep(t, "5")
	defer cmd.Process.Kill()

	if err := m.Register("wo-1", "run-1", cmd); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case e := <-m.Events():
		if e.Type != EventRegistered || e.WorkOrderID != "wo-1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registered event")
	}
}

func TestExitIsMarkedExactlyOnce(t *testing.T) {
	m := New()
	cmd := startSleep(t, "0.1")
	if err := m.Register("wo-1", "run-1", cmd); err != nil {
		t.Fatalf("register: %v", err)
	}
	<-m.Events() // drain registered

	select {
	case e := <-m.Events():
		if e.Type != EventExited {
			t.Fatalf("expected exited event, got %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	info, ok := m.Info("wo-1")
	if !ok || !info.Exited {
		t.Fatalf("expected info.Exited=true, got %+v", info)
	}
}

func TestKillSendsGracefulTermBeforeGraceExpires(t *testing.T) {
	m := New()
	cmd := startSleep(t, "30")
	if err := m.Register("wo-1", "run-1", cmd); err != nil {
		t.Fatalf("register: %v", err)
	}
	<-m.Events() // drain registered

	result := m.Kill("wo-1", KillOpts{GracePeriod: 2 * time.Second})
	if !result.Success {
		t.Fatalf("kill failed: %+v", result)
	}
	if result.ForcedKill {
		t.Fatal("sleep honors SIGTERM, expected a graceful kill not a forced one")
	}
}

func TestForceKillSkipsGrace(t *testing.T) {
	m := New()
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Register("wo-1", "run-1", cmd); err != nil {
		t.Fatalf("register: %v", err)
	}
	<-m.Events() // drain registered

	start := time.Now()
	result := m.ForceKill("wo-1")
	elapsed := time.Since(start)
	if !result.Success || !result.ForcedKill {
		t.Fatalf("expected forced kill success, got %+v", result)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("ForceKill took %v, expected it to skip any grace period", elapsed)
	}
}

func TestKillEscalatesToForceKillWhenProcessIgnoresTerm(t *testing.T) {
	m := New()
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Register("wo-1", "run-1", cmd); err != nil {
		t.Fatalf("register: %v", err)
	}
	<-m.Events() // drain registered
	// Give sh time to run its trap builtin; a TERM sent before that still
	// has the default action and kills sh outright.
	time.Sleep(300 * time.Millisecond)

	result := m.Kill("wo-1", KillOpts{GracePeriod: 200 * time.Millisecond})
	if !result.Success || !result.ForcedKill {
		t.Fatalf("expected escalation to a forced kill, got %+v", result)
	}
}

func TestKillAllActsOnEveryRegisteredProcess(t *testing.T) {
	m := New()
	cmd1 := startSleep(t, "30")
	cmd2 := startSleep(t, "30")
	m.Register("wo-1", "run-1", cmd1)
	m.Register("wo-2", "run-2", cmd2)
	<-m.Events()
	<-m.Events()

	results := m.KillAll(KillOpts{GracePeriod: time.Second})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for id, r := range results {
		if !r.Success {
			t.Fatalf("kill of %s failed: %+v", id, r)
		}
	}
}

func TestStaleMonitorFlagsLongLivedProcesses(t *testing.T) {
	m := New()
	cmd := startSleep(t, "30")
	defer cmd.Process.Kill()
	if err := m.Register("wo-1", "run-1", cmd); err != nil {
		t.Fatalf("register: %v", err)
	}
	<-m.Events()

	m.StartStaleMonitor(50*time.Millisecond, 100*time.Millisecond)
	defer m.StopStaleMonitor()

	select {
	case id := <-m.Stale():
		if id != "wo-1" {
			t.Fatalf("stale id = %s, want wo-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stale flag")
	}
}
