package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/procctl/internal/logbuffer"
)

// ProcSpec describes how to launch a supervised child
type ProcSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Watch lists substrings the output pump latches on; see Process.Seen
	Watch []string
}

// Process is an owned child process with redirected stdio. Every non-empty
// output line goes to the LogBuffer and to any registered taps.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	buffer    *logbuffer.Buffer
	startedAt time.Time

	mu      sync.Mutex
	taps    map[int]func(string)
	nextTap int
	watch   map[string]bool // marker -> seen

	stdinMu sync.Mutex

	done    chan struct{}
	exitErr error
}

// ResolveExecutable finds command either as a path or on $PATH
func ResolveExecutable(command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("%w: no executable configured", ErrExecutableNotFound)
	}
	if strings.ContainsRune(command, filepath.Separator) {
		info, err := os.Stat(command)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, command, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, command)
		}
		return command, nil
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, command, err)
	}
	return path, nil
}

// Spawn starts the child described by spec. onExit runs once after the
// child has been reaped and its output fully drained.
func Spawn(spec ProcSpec, buffer *logbuffer.Buffer, onExit func(*Process)) (*Process, error) {
	path, err := ResolveExecutable(spec.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so the whole tree can be signalled at once
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrLaunch, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrLaunch, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		buffer: buffer,
		taps:   make(map[int]func(string)),
		watch:  make(map[string]bool, len(spec.Watch)),
		done:   make(chan struct{}),
	}
	for _, m := range spec.Watch {
		if m != "" {
			p.watch[m] = false
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, path, err)
	}
	p.startedAt = time.Now()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.pump(stdout, &pumps)
	go p.pump(stderr, &pumps)

	go func() {
		// Wait closes the pipes, so drain them first
		pumps.Wait()
		p.exitErr = p.cmd.Wait()
		close(p.done)
		if onExit != nil {
			onExit(p)
		}
	}()

	return p, nil
}

func (p *Process) pump(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.buffer.Append(line)

		p.mu.Lock()
		for marker := range p.watch {
			if strings.Contains(line, marker) {
				p.watch[marker] = true
			}
		}
		taps := make([]func(string), 0, len(p.taps))
		for _, fn := range p.taps {
			taps = append(taps, fn)
		}
		p.mu.Unlock()

		for _, fn := range taps {
			fn(line)
		}
	}
	// Drain whatever is left so the child never blocks on a full pipe
	io.Copy(io.Discard, r)
}

// PID returns the child's process id
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// StartedAt returns when the child was launched
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed once the child has exited and been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the child has been reaped
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from Wait; only meaningful once Exited
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// ExitCode returns the exit code, or -1 when still running or killed by a signal
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Seen reports whether marker (one of ProcSpec.Watch) has appeared in the
// output since launch or since the last Forget
func (p *Process) Seen(marker string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watch[marker]
}

// Forget resets the latch for marker
func (p *Process) Forget(marker string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watch[marker]; ok {
		p.watch[marker] = false
	}
}

// Tap registers fn to receive every subsequent output line. The returned
// function removes the tap.
func (p *Process) Tap(fn func(line string)) (untap func()) {
	p.mu.Lock()
	id := p.nextTap
	p.nextTap++
	p.taps[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.taps, id)
		p.mu.Unlock()
	}
}

// WriteLine sends line plus a newline to the child's standard input
func (p *Process) WriteLine(line string) error {
	if p.Exited() {
		return errors.New("process has exited")
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	return nil
}

// Kill sends SIGKILL to the child's process group and waits for it to be
// reaped, up to ctx.
func (p *Process) Kill(ctx context.Context) error {
	if p.Exited() {
		return nil
	}

	pid := p.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to kill process group %d: %w", pgid, err)
		}
	} else if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("process %d did not exit after SIGKILL: %w", pid, ctx.Err())
	}
}

// Describe renders how the child ended, for log lines and responses
func (p *Process) Describe() string {
	if !p.Exited() {
		return fmt.Sprintf("pid %d running for %s", p.PID(), time.Since(p.startedAt).Round(time.Second))
	}
	state := p.cmd.ProcessState
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return fmt.Sprintf("pid %d killed by %s", p.PID(), ws.Signal())
	}
	return fmt.Sprintf("pid %d exited with code %d", p.PID(), state.ExitCode())
}
