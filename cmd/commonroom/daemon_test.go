package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestPIDFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "commonroom.pid")

	if err := WritePIDFile(pidFile, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	got, err := ReadPIDFile(pidFile)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if got != 4242 {
		t.Errorf("pid = %d, want 4242", got)
	}

	if err := RemovePIDFile(pidFile); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := RemovePIDFile(pidFile); err != nil {
		t.Errorf("second remove should be a no-op: %v", err)
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "commonroom.pid")
	if err := os.WriteFile(pidFile, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(pidFile); err == nil {
		t.Error("expected parse error")
	}
}

func TestDaemonStatus(t *testing.T) {
	dir := t.TempDir()

	t.Run("stopped without file", func(t *testing.T) {
		st, pid, err := DaemonStatus(filepath.Join(dir, "missing.pid"))
		if err != nil || st != StatusStopped || pid != 0 {
			t.Errorf("got %s %d %v", st, pid, err)
		}
	})

	t.Run("running for a live pid", func(t *testing.T) {
		path := filepath.Join(dir, "live.pid")
		if err := WritePIDFile(path, os.Getpid()); err != nil {
			t.Fatal(err)
		}
		st, pid, err := DaemonStatus(path)
		if err != nil || st != StatusRunning || pid != os.Getpid() {
			t.Errorf("got %s %d %v", st, pid, err)
		}
	})

	t.Run("stale for an exited pid", func(t *testing.T) {
		cmd := exec.Command("true")
		if err := cmd.Run(); err != nil {
			t.Skipf("cannot run true: %v", err)
		}
		path := filepath.Join(dir, "stale.pid")
		if err := WritePIDFile(path, cmd.Process.Pid); err != nil {
			t.Fatal(err)
		}
		st, _, err := DaemonStatus(path)
		if err != nil || st != StatusStale {
			t.Errorf("got %s %v", st, err)
		}
	})
}

func TestClaimPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commonroom.pid")

	if err := ClaimPIDFile(path); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}
	if err := ClaimPIDFile(path); err != nil {
		t.Errorf("re-claim by the owner: %v", err)
	}

	// The parent process (go test) is alive and is not us.
	if err := WritePIDFile(path, os.Getppid()); err != nil {
		t.Fatal(err)
	}
	if err := ClaimPIDFile(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}
