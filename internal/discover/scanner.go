// Package discover finds running OS processes that look like a supervised
// domain's executable. It is how a supervisor learns about processes it did
// not spawn itself (after a restart of procctl, or started by hand).
package discover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Process represents a discovered running process
type Process struct {
	PID         int
	Name        string
	CommandLine []string
	ParentPID   int
	StartTime   time.Time
}

// String renders the process for operator-facing messages
func (p Process) String() string {
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// Matcher selects processes by executable name or command-line signature.
// A process matches when its name (or argv[0] base name) is one of Names,
// or when its joined command line contains one of CmdlineContains.
type Matcher struct {
	Names           []string
	CmdlineContains []string
}

// Empty reports whether the matcher has no criteria
func (m Matcher) Empty() bool {
	return len(m.Names) == 0 && len(m.CmdlineContains) == 0
}

// Match reports whether p satisfies the matcher
func (m Matcher) Match(p Process) bool {
	argv0 := ""
	if len(p.CommandLine) > 0 {
		argv0 = filepath.Base(p.CommandLine[0])
	}
	for _, name := range m.Names {
		if name == "" {
			continue
		}
		if p.Name == name || argv0 == name {
			return true
		}
	}

	if len(m.CmdlineContains) == 0 || len(p.CommandLine) == 0 {
		return false
	}
	joined := strings.Join(p.CommandLine, " ")
	for _, sig := range m.CmdlineContains {
		if sig != "" && strings.Contains(joined, sig) {
			return true
		}
	}
	return false
}

// Lister enumerates every visible process
type Lister func(ctx context.Context) ([]Process, error)

// Scanner discovers running processes through gopsutil
type Scanner struct {
	ownPID int
	list   Lister
	kill   func(ctx context.Context, pid int) error
}

// NewScanner creates a scanner over the host's process table
func NewScanner() *Scanner {
	return &Scanner{
		ownPID: os.Getpid(),
		list:   listSystemProcesses,
		kill:   killSystemProcess,
	}
}

// NewScannerWith creates a scanner over a custom process source; used in tests
func NewScannerWith(list Lister, kill func(ctx context.Context, pid int) error) *Scanner {
	return &Scanner{ownPID: os.Getpid(), list: list, kill: kill}
}

// Find returns the processes matched by the first matcher that matches
// anything. Later matchers act as fallback heuristics. PIDs in exclude and
// the scanner's own PID are never returned.
func (s *Scanner) Find(ctx context.Context, matchers []Matcher, exclude ...int) ([]Process, error) {
	procs, err := s.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate processes: %w", err)
	}

	skip := make(map[int]bool, len(exclude)+1)
	skip[s.ownPID] = true
	for _, pid := range exclude {
		skip[pid] = true
	}

	for _, m := range matchers {
		if m.Empty() {
			continue
		}
		var found []Process
		for _, p := range procs {
			if skip[p.PID] {
				continue
			}
			if m.Match(p) {
				found = append(found, p)
			}
		}
		if len(found) > 0 {
			return found, nil
		}
	}
	return nil, nil
}

// Kill force-terminates pid
func (s *Scanner) Kill(ctx context.Context, pid int) error {
	if pid == s.ownPID {
		return fmt.Errorf("refusing to kill own pid %d", pid)
	}
	return s.kill(ctx, pid)
}

func listSystemProcesses(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		// Processes may exit between listing and inspection; skip what we can't read.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineSliceWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)

		var started time.Time
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			started = time.UnixMilli(ms)
		}

		out = append(out, Process{
			PID:         int(p.Pid),
			Name:        name,
			CommandLine: cmdline,
			ParentPID:   int(ppid),
			StartTime:   started,
		})
	}
	return out, nil
}

func killSystemProcess(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}
