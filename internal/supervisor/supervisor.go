// Package supervisor implements the shared contract of every process
// supervisor: one owned child per domain, a single-flight lock around
// Execute, and the generic Status/Startup/Shutdown/Logs plumbing that the
// concrete domain supervisors build on.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/procctl/internal/command"
	"github.com/psantana5/procctl/internal/discover"
	"github.com/psantana5/procctl/internal/logbuffer"
	"github.com/psantana5/procctl/pkg/logging"
)

// killWait bounds how long we wait for the kernel to reap a SIGKILLed child
const killWait = 5 * time.Second

// Hooks are the domain-specific halves of Startup and Shutdown
type Hooks interface {
	Startup(ctx context.Context) command.Response
	Shutdown(ctx context.Context, force bool) command.Response
}

// InstructionFunc handles a domain-specific instruction
type InstructionFunc func(ctx context.Context, args command.Args) command.Response

// Options configures a Base
type Options struct {
	Domain      command.Domain
	DisplayName string
	Logger      *logging.Logger
	Scanner     *discover.Scanner
	// Matchers identify this domain's executable among OS processes, most
	// specific first
	Matchers    []discover.Matcher
	LogCapacity int
}

// Base carries the state every supervisor shares. Concrete supervisors embed
// it and supply Hooks.
type Base struct {
	domain   command.Domain
	name     string
	logger   *logging.Logger
	scanner  *discover.Scanner
	matchers []discover.Matcher
	buffer   *logbuffer.Buffer

	sem chan struct{}

	mu    sync.Mutex
	proc  *Process
	state atomic.Value

	hooks        Hooks
	instructions map[string]InstructionFunc
	vocabulary   []string
}

// NewBase creates the shared supervisor state
func NewBase(opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	scanner := opts.Scanner
	if scanner == nil {
		scanner = discover.NewScanner()
	}
	name := opts.DisplayName
	if name == "" {
		name = string(opts.Domain)
	}

	b := &Base{
		domain:       opts.Domain,
		name:         name,
		logger:       logger.WithField("domain", string(opts.Domain)),
		scanner:      scanner,
		matchers:     opts.Matchers,
		buffer:       logbuffer.New(opts.LogCapacity),
		sem:          make(chan struct{}, 1),
		instructions: make(map[string]InstructionFunc),
	}
	b.state.Store(StateOffline)

	b.Handle(command.InstructionStatus, func(ctx context.Context, _ command.Args) command.Response {
		return b.Status(ctx)
	})
	b.Handle(command.InstructionLogs, func(_ context.Context, args command.Args) command.Response {
		return b.Logs(args)
	})
	b.Handle(command.InstructionStartup, func(ctx context.Context, _ command.Args) command.Response {
		return b.hooks.Startup(ctx)
	})
	b.Handle(command.InstructionShutdown, func(ctx context.Context, args command.Args) command.Response {
		force, err := args.Bool(0, false)
		if err != nil {
			return command.Failf("%v", err)
		}
		return b.hooks.Shutdown(ctx, force)
	})
	return b
}

// Bind attaches the domain hooks; must be called before Execute
func (b *Base) Bind(h Hooks) {
	b.hooks = h
}

// Handle registers an instruction. Names match case-insensitively.
func (b *Base) Handle(name string, fn InstructionFunc) {
	key := strings.ToLower(name)
	if _, exists := b.instructions[key]; !exists {
		b.vocabulary = append(b.vocabulary, name)
	}
	b.instructions[key] = fn
}

// Domain returns the domain tag
func (b *Base) Domain() command.Domain { return b.domain }

// Name returns the operator-facing name
func (b *Base) Name() string { return b.name }

// Logger returns the domain logger
func (b *Base) Logger() *logging.Logger { return b.logger }

// Buffer returns the captured output buffer
func (b *Base) Buffer() *logbuffer.Buffer { return b.buffer }

// State returns the last known lifecycle state without taking the
// single-flight lock
func (b *Base) State() ProcessState {
	return b.state.Load().(ProcessState)
}

func (b *Base) setState(s ProcessState) {
	if prev := b.state.Swap(s); prev != s {
		b.logger.Debug("State change", logging.Fields{"from": prev, "to": s})
	}
}

// Execute runs one instruction under the single-flight lock. It never
// panics outward and never returns an error: failures become response text.
func (b *Base) Execute(ctx context.Context, instruction string, args command.Args) (resp command.Response) {
	select {
	case b.sem <- struct{}{}:
	default:
		b.logger.Info("Waiting for in-flight command to finish", logging.Fields{"instruction": instruction})
		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			return command.Failf("%s: cancelled while waiting for another command: %v", b.name, ctx.Err())
		}
	}
	defer func() { <-b.sem }()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in supervisor", logging.Fields{"instruction": instruction, "panic": fmt.Sprint(r)})
			resp = command.Failf("%s: internal error while running %s: %v", b.name, instruction, r)
		}
	}()

	fn, ok := b.instructions[strings.ToLower(strings.TrimSpace(instruction))]
	if !ok {
		vocab := append([]string(nil), b.vocabulary...)
		sort.Strings(vocab)
		return command.Failf("%v %q for %s (expected one of: %s)", ErrUnknownInstruction, instruction, b.name, strings.Join(vocab, ", "))
	}

	start := time.Now()
	b.logger.Info("Executing instruction", logging.Fields{"instruction": instruction})
	resp = fn(ctx, args)
	b.logger.Info("Instruction finished", logging.Fields{
		"instruction": instruction,
		"duration":    time.Since(start).Round(time.Millisecond).String(),
	})
	return resp
}

// Owned returns the live child spawned by this supervisor, or nil
func (b *Base) Owned() *Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil && b.proc.Exited() {
		return nil
	}
	return b.proc
}

func (b *Base) release(p *Process) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == p {
		b.proc = nil
		b.setState(StateOffline)
	}
}

// onExit runs on the reaper goroutine when a child ends on its own or after a kill
func (b *Base) onExit(p *Process) {
	b.logger.Info("Supervised process exited", logging.Fields{"status": p.Describe()})
	b.release(p)
}

// FindUnmanaged enumerates OS processes that look like this domain's
// executable but are not the owned child
func (b *Base) FindUnmanaged(ctx context.Context) ([]discover.Process, error) {
	if len(b.matchers) == 0 {
		return nil, nil
	}
	var exclude []int
	if p := b.Owned(); p != nil {
		exclude = append(exclude, p.PID())
	}
	return b.scanner.Find(ctx, b.matchers, exclude...)
}

func describeAll(procs []discover.Process) string {
	parts := make([]string, len(procs))
	for i, p := range procs {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// Status reports Online, Unmanaged or Offline
func (b *Base) Status(ctx context.Context) command.Response {
	if p := b.Owned(); p != nil {
		b.setState(StateOnline)
		return command.Textf("%s is Online (pid %d, up %s)", b.name, p.PID(), time.Since(p.StartedAt()).Round(time.Second))
	}

	found, err := b.FindUnmanaged(ctx)
	if err != nil {
		b.logger.Warn("Process scan failed", logging.Fields{"error": err.Error()})
		b.setState(StateOffline)
		return command.Textf("%s is Offline (process scan failed: %v)", b.name, err)
	}
	if len(found) > 0 {
		b.setState(StateUnmanaged)
		return command.Textf("%s is Unmanaged: %s is running but was not started by procctl", b.name, describeAll(found))
	}

	b.setState(StateOffline)
	return command.Textf("%s is Offline", b.name)
}

// Logs returns the n most recent captured lines, n defaulting to capacity
func (b *Base) Logs(args command.Args) command.Response {
	n, err := args.Int(0, b.buffer.Capacity())
	if err != nil {
		return command.Failf("%v", err)
	}
	if n <= 0 {
		return command.Failf("%v: line count must be positive, got %d", command.ErrBadArgument, n)
	}
	lines := b.buffer.Last(n)
	if len(lines) == 0 {
		return command.Warnf("no output captured for %s yet", b.name)
	}
	return command.Textf("%s", strings.Join(lines, "\n"))
}

// ReadyFunc reports whether a freshly spawned child is ready
type ReadyFunc func(ctx context.Context, p *Process) bool

// LaunchPlan describes a Startup
type LaunchPlan struct {
	Spec     ProcSpec
	Ready    ReadyFunc
	Interval time.Duration
	MaxWait  time.Duration
}

// Launch performs the generic Startup: refuse when already running or when
// an unmanaged process exists, spawn, then poll readiness up to MaxWait.
// A child that never becomes ready is killed and its captured output returned.
func (b *Base) Launch(ctx context.Context, plan LaunchPlan) command.Response {
	if p := b.Owned(); p != nil {
		return command.Textf("%s is already running (pid %d)", b.name, p.PID())
	}

	found, err := b.FindUnmanaged(ctx)
	if err != nil {
		b.logger.Warn("Process scan failed before startup", logging.Fields{"error": err.Error()})
	}
	if len(found) > 0 {
		b.setState(StateUnmanaged)
		return command.Warnf("%v: %s is already running outside procctl (%s); stop it first with a forced Shutdown",
			ErrUnmanagedConflict, b.name, describeAll(found))
	}

	b.buffer.Reset()
	b.setState(StateStarting)

	p, err := Spawn(plan.Spec, b.buffer, b.onExit)
	if err != nil {
		b.setState(StateOffline)
		b.logger.Error("Failed to spawn process", logging.Fields{"error": err.Error()})
		return command.Failf("%s: %v", b.name, err)
	}
	b.mu.Lock()
	b.proc = p
	b.mu.Unlock()
	b.logger.Info("Spawned process", logging.Fields{"pid": p.PID(), "command": plan.Spec.Command})

	start := time.Now()
	err = Poll(ctx, plan.Interval, plan.MaxWait, func() (bool, error) {
		if p.Exited() {
			return false, ErrExitedEarly
		}
		return plan.Ready(ctx, p), nil
	})

	switch {
	case err == nil:
		b.setState(StateOnline)
		b.logger.Info("Process is ready", logging.Fields{"pid": p.PID(), "after": time.Since(start).Round(time.Millisecond).String()})
		return command.Textf("%s is Online (pid %d, ready after %s)", b.name, p.PID(), time.Since(start).Round(100*time.Millisecond))

	case errors.Is(err, ErrExitedEarly):
		<-p.Done()
		b.release(p)
		return command.Failf("%v: %s (%s)\n%s", ErrExitedEarly, b.name, p.Describe(), b.capturedOutput())

	default:
		b.logger.Warn("Process not ready in time, killing it", logging.Fields{"pid": p.PID(), "wait": plan.MaxWait.String()})
		killCtx, cancel := context.WithTimeout(context.Background(), killWait)
		defer cancel()
		if kerr := p.Kill(killCtx); kerr != nil {
			b.logger.Error("Failed to kill unready process", logging.Fields{"pid": p.PID(), "error": kerr.Error()})
		}
		b.release(p)
		return command.Failf("%v: %s was not ready within %s, process killed\n%s", ErrReadinessTimeout, b.name, plan.MaxWait, b.capturedOutput())
	}
}

func (b *Base) capturedOutput() string {
	lines := b.buffer.Snapshot()
	if len(lines) == 0 {
		return "(no output captured)"
	}
	return "Captured output:\n" + strings.Join(lines, "\n")
}

// StopPlan describes a Shutdown of the owned child
type StopPlan struct {
	// Signal asks the child to stop; nil means kill straight away
	Signal func(p *Process) error
	// Announced reports whether the child printed its termination marker
	Announced func(p *Process) bool
	// Linger is how long an announced child may take to actually exit
	Linger   time.Duration
	Interval time.Duration
	Timeout  time.Duration
	Force    bool
}

// Stop performs the generic Shutdown of p. Success means the child has been
// reaped. On timeout the child is killed when Force is set or when it already
// announced termination; otherwise it is left running and a warning returned.
func (b *Base) Stop(ctx context.Context, p *Process, plan StopPlan) command.Response {
	b.setState(StateStopping)

	if plan.Signal == nil {
		return b.kill(p, "%s stopped (process killed, %s)")
	}

	if err := plan.Signal(p); err != nil {
		b.logger.Warn("Graceful stop request failed", logging.Fields{"error": err.Error()})
		if plan.Force {
			return b.kill(p, "%s force-stopped after failed stop request (%s)")
		}
		b.setState(StateOnline)
		return command.Failf("%s: could not request stop: %v", b.name, err)
	}

	var announcedAt time.Time
	err := Poll(ctx, plan.Interval, plan.Timeout, func() (bool, error) {
		if p.Exited() {
			return true, nil
		}
		if plan.Announced != nil && plan.Announced(p) {
			if announcedAt.IsZero() {
				announcedAt = time.Now()
			}
			return time.Since(announcedAt) >= plan.Linger, nil
		}
		return false, nil
	})
	if err == nil && p.Exited() {
		b.release(p)
		b.logger.Info("Process stopped gracefully", logging.Fields{"status": p.Describe()})
		return command.Textf("%s stopped (%s)", b.name, p.Describe())
	}

	announced := !announcedAt.IsZero()
	switch {
	case announced:
		b.logger.Warn("Process announced shutdown but did not exit, killing it", logging.Fields{"pid": p.PID()})
		return b.kill(p, "%s stopped (announced shutdown, process killed after lingering, %s)")
	case plan.Force:
		b.logger.Warn("Graceful stop timed out, killing process", logging.Fields{"pid": p.PID()})
		return b.kill(p, fmt.Sprintf("%v: %%s force-stopped after %s (%%s)", ErrStopTimeout, plan.Timeout))
	default:
		b.setState(StateOnline)
		return command.Warnf("%v: %s did not stop within %s and is still running; retry with force to kill it",
			ErrStopTimeout, b.name, plan.Timeout)
	}
}

// kill terminates p; format takes the display name and the exit description
func (b *Base) kill(p *Process, format string) command.Response {
	ctx, cancel := context.WithTimeout(context.Background(), killWait)
	defer cancel()
	if err := p.Kill(ctx); err != nil {
		b.logger.Error("Failed to kill process", logging.Fields{"pid": p.PID(), "error": err.Error()})
		b.setState(StateOnline)
		return command.Failf("%s: %v", b.name, err)
	}
	b.release(p)
	return command.Textf(format, b.name, p.Describe())
}

// KillUnmanaged force-kills every matching process not spawned by us
func (b *Base) KillUnmanaged(ctx context.Context) command.Response {
	found, err := b.FindUnmanaged(ctx)
	if err != nil {
		return command.Failf("%s: process scan failed: %v", b.name, err)
	}
	if len(found) == 0 {
		b.setState(StateOffline)
		return command.Warnf("%s is not running; nothing to stop", b.name)
	}

	var failed []string
	for _, proc := range found {
		if err := b.scanner.Kill(ctx, proc.PID); err != nil {
			b.logger.Error("Failed to kill unmanaged process", logging.Fields{"pid": proc.PID, "error": err.Error()})
			failed = append(failed, fmt.Sprintf("%s: %v", proc, err))
			continue
		}
		b.logger.Warn("Killed unmanaged process", logging.Fields{"pid": proc.PID, "name": proc.Name})
	}
	if len(failed) > 0 {
		return command.Failf("%s: could not kill unmanaged process: %s", b.name, strings.Join(failed, "; "))
	}
	b.setState(StateOffline)
	return command.Textf("%s: killed unmanaged %s", b.name, describeAll(found))
}

// NotRunning answers a non-forced Shutdown when nothing is owned
func (b *Base) NotRunning(ctx context.Context) command.Response {
	found, err := b.FindUnmanaged(ctx)
	if err == nil && len(found) > 0 {
		b.setState(StateUnmanaged)
		return command.Warnf("%v: %s was not started by procctl (%s); use a forced Shutdown to kill it",
			ErrUnmanagedConflict, b.name, describeAll(found))
	}
	return command.Warnf("%s is not running; nothing to stop", b.name)
}

var errPollDeadline = errors.New("poll deadline exceeded")

// Poll evaluates cond every interval until it reports true, returns an
// error, ctx is done, or timeout elapses. cond is checked once more at the
// deadline.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func() (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if done, err := cond(); err != nil {
				return err
			} else if done {
				return nil
			}
			return errPollDeadline
		case <-ticker.C:
		}
	}
}
