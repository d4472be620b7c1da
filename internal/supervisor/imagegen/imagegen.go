// Package imagegen supervises a headless image-generation web service. The
// service has no console protocol: readiness is an HTTP health probe and
// shutdown is always a kill of its process group.
package imagegen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psantana5/procctl/internal/command"
	"github.com/psantana5/procctl/internal/discover"
	"github.com/psantana5/procctl/internal/supervisor"
	"github.com/psantana5/procctl/pkg/logging"
)

// Config holds the service launch and probe settings
type Config struct {
	Enabled    bool
	Executable string
	Args       []string
	WorkDir    string
	Env        []string

	HealthURL      string
	ProbeTimeout   time.Duration
	PollInterval   time.Duration
	StartupTimeout time.Duration

	// CmdlineSignature identifies an unmanaged instance; ProcessName is the
	// fallback when no command line matches
	CmdlineSignature string
	ProcessName      string

	LogCapacity int
}

// DefaultConfig returns defaults for a local web UI on port 7860
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		HealthURL:        "http://127.0.0.1:7860/",
		ProbeTimeout:     2 * time.Second,
		PollInterval:     time.Second,
		StartupTimeout:   50 * time.Second,
		CmdlineSignature: "launch.py",
		ProcessName:      "webui",
		LogCapacity:      20,
	}
}

// Supervisor owns the image generation service process
type Supervisor struct {
	*supervisor.Base
	cfg    Config
	client *http.Client
}

// New creates the image generator supervisor. scanner may be nil.
func New(cfg Config, logger *logging.Logger, scanner *discover.Scanner) (*Supervisor, error) {
	if cfg.Enabled && cfg.HealthURL == "" {
		return nil, fmt.Errorf("imagegen: health URL is required when enabled")
	}

	var matchers []discover.Matcher
	if cfg.CmdlineSignature != "" {
		matchers = append(matchers, discover.Matcher{CmdlineContains: []string{cfg.CmdlineSignature}})
	}
	if cfg.ProcessName != "" {
		matchers = append(matchers, discover.Matcher{Names: []string{cfg.ProcessName}})
	}

	base := supervisor.NewBase(supervisor.Options{
		Domain:      command.DomainImageGen,
		DisplayName: "Image generator",
		Logger:      logger,
		Scanner:     scanner,
		Matchers:    matchers,
		LogCapacity: cfg.LogCapacity,
	})
	s := &Supervisor{
		Base:   base,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
	}
	base.Bind(s)
	return s, nil
}

// Startup spawns the service and polls its health endpoint
func (s *Supervisor) Startup(ctx context.Context) command.Response {
	if !s.cfg.Enabled {
		return command.Warnf("%s is disabled in configuration", s.Name())
	}
	return s.Launch(ctx, supervisor.LaunchPlan{
		Spec: supervisor.ProcSpec{
			Command: s.cfg.Executable,
			Args:    s.cfg.Args,
			Dir:     s.cfg.WorkDir,
			Env:     s.cfg.Env,
		},
		Ready:    s.healthy,
		Interval: s.cfg.PollInterval,
		MaxWait:  s.cfg.StartupTimeout,
	})
}

// Shutdown kills the service; there is no graceful stop to wait for
func (s *Supervisor) Shutdown(ctx context.Context, force bool) command.Response {
	if !s.cfg.Enabled {
		return command.Warnf("%s is disabled in configuration", s.Name())
	}
	p := s.Owned()
	if p == nil {
		if force {
			return s.KillUnmanaged(ctx)
		}
		return s.NotRunning(ctx)
	}
	return s.Stop(ctx, p, supervisor.StopPlan{Force: force})
}

// healthy reports whether the health endpoint answers 2xx. Connection
// errors mean the service is still booting.
func (s *Supervisor) healthy(ctx context.Context, _ *supervisor.Process) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL, nil)
	if err != nil {
		s.Logger().Error("Invalid health URL", logging.Fields{"url": s.cfg.HealthURL, "error": err.Error()})
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.Logger().Debug("Health probe failed", logging.Fields{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
