package observer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Process is one observed hypervisor candidate process.
type Process struct {
	PID     int
	Cmdline string
}

// ProcessSource enumerates live processes. Injectable so coherence
// checks can run against synthetic process tables.
type ProcessSource interface {
	Processes(ctx context.Context) ([]Process, error)
}

// hostProcessSource enumerates processes from /proc, falling back to
// pgrep when /proc is not readable. Callers that only hold a PID use
// kill(pid, 0) as the last resort.
type hostProcessSource struct {
	binaryName string
}

// NewHostProcessSource returns a ProcessSource filtered to processes
// running the given binary.
func NewHostProcessSource(binary string) ProcessSource {
	return &hostProcessSource{binaryName: filepath.Base(binary)}
}

func (s *hostProcessSource) Processes(ctx context.Context) ([]Process, error) {
	procs, err := s.scanProc()
	if err != nil {
		return s.pgrep(ctx)
	}
	return procs, nil
}

func (s *hostProcessSource) scanProc() ([]Process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var procs []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil || len(data) == 0 {
			continue
		}
		// cmdline args are NUL separated.
		cmdline := strings.ReplaceAll(string(data), "\x00", " ")
		if !strings.Contains(cmdline, s.binaryName) {
			continue
		}
		procs = append(procs, Process{PID: pid, Cmdline: cmdline})
	}
	return procs, nil
}

func (s *hostProcessSource) pgrep(ctx context.Context) ([]Process, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-a", s.binaryName).Output()
	if err != nil {
		// Exit status 1 means no matches.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	var procs []Process
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		procs = append(procs, Process{PID: pid, Cmdline: fields[1]})
	}
	return procs, nil
}
