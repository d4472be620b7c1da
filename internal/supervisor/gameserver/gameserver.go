// Package gameserver supervises a dedicated game server that speaks a line
// protocol on stdin/stdout: readiness and termination are announced by log
// markers, and the operator console accepts plain-text commands.
package gameserver

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/procctl/internal/command"
	"github.com/psantana5/procctl/internal/discover"
	"github.com/psantana5/procctl/internal/supervisor"
	"github.com/psantana5/procctl/pkg/logging"
)

// Config holds the game server launch and protocol settings
type Config struct {
	Executable string
	Args       []string
	WorkDir    string

	ReadyMarker      string
	StopToken        string
	StoppedMarker    string
	QueryToken       string
	TimestampPattern string

	StartupTimeout time.Duration
	StopTimeout    time.Duration
	StopLinger     time.Duration
	QueryWindow    time.Duration
	PollInterval   time.Duration
	LogCapacity    int
}

// DefaultConfig returns the stock protocol of the server binary
func DefaultConfig() Config {
	return Config{
		ReadyMarker:      "Server started",
		StopToken:        "exit",
		StoppedMarker:    "Server stopped",
		QueryToken:       "playing",
		TimestampPattern: `^\[?\d{1,2}:\d{2}(:\d{2})?`,
		StartupTimeout:   25 * time.Second,
		StopTimeout:      25 * time.Second,
		StopLinger:       5 * time.Second,
		QueryWindow:      500 * time.Millisecond,
		PollInterval:     500 * time.Millisecond,
		LogCapacity:      20,
	}
}

var summaryLine = regexp.MustCompile(`(?i)^(no players?|\d+ players?|\d+ player\(s\)) connected\.?$`)

// Supervisor owns the game server process
type Supervisor struct {
	*supervisor.Base
	cfg       Config
	timestamp *regexp.Regexp
}

// New creates the game server supervisor. scanner may be nil.
func New(cfg Config, logger *logging.Logger, scanner *discover.Scanner) (*Supervisor, error) {
	ts, err := regexp.Compile(cfg.TimestampPattern)
	if err != nil {
		return nil, fmt.Errorf("gameserver: invalid timestamp pattern: %w", err)
	}

	// an unset executable surfaces as ExecutableNotFound on Startup
	var matchers []discover.Matcher
	if cfg.Executable != "" {
		matchers = append(matchers, discover.Matcher{Names: []string{filepath.Base(cfg.Executable)}})
	}

	base := supervisor.NewBase(supervisor.Options{
		Domain:      command.DomainGameServer,
		DisplayName: "Game server",
		Logger:      logger,
		Scanner:     scanner,
		Matchers:    matchers,
		LogCapacity: cfg.LogCapacity,
	})
	s := &Supervisor{Base: base, cfg: cfg, timestamp: ts}
	base.Bind(s)
	base.Handle(command.InstructionListPlayers, func(ctx context.Context, _ command.Args) command.Response {
		return s.listPlayers(ctx)
	})
	return s, nil
}

// Startup spawns the server and waits for the ready marker
func (s *Supervisor) Startup(ctx context.Context) command.Response {
	return s.Launch(ctx, supervisor.LaunchPlan{
		Spec: supervisor.ProcSpec{
			Command: s.cfg.Executable,
			Args:    s.cfg.Args,
			Dir:     s.cfg.WorkDir,
			Watch:   []string{s.cfg.ReadyMarker, s.cfg.StoppedMarker},
		},
		Ready: func(_ context.Context, p *supervisor.Process) bool {
			return p.Seen(s.cfg.ReadyMarker)
		},
		Interval: s.cfg.PollInterval,
		MaxWait:  s.cfg.StartupTimeout,
	})
}

// Shutdown sends the stop token. Without force it refuses while players are
// connected.
func (s *Supervisor) Shutdown(ctx context.Context, force bool) command.Response {
	p := s.Owned()
	if p == nil {
		if force {
			return s.KillUnmanaged(ctx)
		}
		return s.NotRunning(ctx)
	}

	if !force {
		roster, err := s.queryPlayers(ctx, p)
		if err != nil {
			s.Logger().Warn("Player check before shutdown failed", logging.Fields{"error": err.Error()})
			return command.Warnf("could not check connected players (%v); refusing to shut down without force", err)
		}
		if n := len(roster.Players); n > 0 {
			return command.Warnf("%d player(s) connected (%s); refusing to shut down without force",
				n, strings.Join(roster.Players, ", "))
		}
	}

	return s.Stop(ctx, p, supervisor.StopPlan{
		Signal: func(p *supervisor.Process) error {
			p.Forget(s.cfg.StoppedMarker)
			return p.WriteLine(s.cfg.StopToken)
		},
		Announced: func(p *supervisor.Process) bool {
			return p.Seen(s.cfg.StoppedMarker)
		},
		Linger:   s.cfg.StopLinger,
		Interval: s.cfg.PollInterval,
		Timeout:  s.cfg.StopTimeout,
		Force:    force,
	})
}

// Roster is the classified answer to a player query
type Roster struct {
	Players []string
	Summary string
}

// queryPlayers writes the query token and collects output for QueryWindow
func (s *Supervisor) queryPlayers(ctx context.Context, p *supervisor.Process) (Roster, error) {
	var (
		mu    sync.Mutex
		lines []string
	)
	untap := p.Tap(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	defer untap()

	if err := p.WriteLine(s.cfg.QueryToken); err != nil {
		return Roster{}, err
	}

	timer := time.NewTimer(s.cfg.QueryWindow)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return Roster{}, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return s.classify(lines), nil
}

// classify drops timestamped log lines and separates the summary line from
// roster entries
func (s *Supervisor) classify(lines []string) Roster {
	var r Roster
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || s.timestamp.MatchString(line) {
			continue
		}
		if summaryLine.MatchString(line) {
			r.Summary = line
			continue
		}
		r.Players = append(r.Players, line)
	}
	return r
}

func (s *Supervisor) listPlayers(ctx context.Context) command.Response {
	p := s.Owned()
	if p == nil {
		return command.Warnf("%s is not running", s.Name())
	}

	roster, err := s.queryPlayers(ctx, p)
	if err != nil {
		return command.Failf("player query failed: %v", err)
	}

	if len(roster.Players) == 0 {
		if roster.Summary != "" {
			return command.Textf("%s", roster.Summary)
		}
		return command.Textf("No players connected.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Players online (%d):", len(roster.Players))
	for _, name := range roster.Players {
		b.WriteString("\n- ")
		b.WriteString(name)
	}
	if roster.Summary != "" {
		b.WriteString("\n")
		b.WriteString(roster.Summary)
	}
	return command.Textf("%s", b.String())
}
