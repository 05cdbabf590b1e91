package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWaitForSucceeds(t *testing.T) {
	calls := 0
	err := WaitFor(context.Background(), time.Second, 10*time.Millisecond, func() (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if calls < 3 {
		t.Errorf("expected at least 3 checks, got %d", calls)
	}
}

func TestWaitForTimeout(t *testing.T) {
	err := WaitFor(context.Background(), 50*time.Millisecond, 10*time.Millisecond, func() (bool, error) {
		return false, nil
	})
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestWaitForPropagatesCheckError(t *testing.T) {
	sentinel := errors.New("boom")
	err := WaitFor(context.Background(), time.Second, 10*time.Millisecond, func() (bool, error) {
		return false, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected check error, got %v", err)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 4242 {
		t.Errorf("expected 4242, got %d", pid)
	}
}

func TestReadPIDFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if IsProcessAlive(0) || IsProcessAlive(-1) {
		t.Error("invalid PID reported alive")
	}
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	if err := os.WriteFile(path, []byte("aaaabbbb"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := TailFile(path, 4); got != "bbbb" {
		t.Errorf("expected tail %q, got %q", "bbbb", got)
	}
	if got := TailFile(path, 100); got != "aaaabbbb" {
		t.Errorf("expected whole file, got %q", got)
	}
	if got := TailFile(filepath.Join(t.TempDir(), "missing"), 4); got != "" {
		t.Errorf("missing file should yield empty string, got %q", got)
	}
}
