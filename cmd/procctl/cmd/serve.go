package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/procctl/internal/broker"
	"github.com/psantana5/procctl/internal/command"
	"github.com/psantana5/procctl/internal/discover"
	"github.com/psantana5/procctl/internal/dispatch"
	"github.com/psantana5/procctl/internal/metrics"
	"github.com/psantana5/procctl/internal/supervisor/gameserver"
	"github.com/psantana5/procctl/internal/supervisor/imagegen"
	"github.com/psantana5/procctl/pkg/logging"
	"github.com/psantana5/procctl/pkg/ratelimit"
	"github.com/psantana5/procctl/pkg/shutdown"
	"github.com/psantana5/procctl/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon",
	Long: `Connects to the broker, consumes commands and supervises the configured
processes. Ops endpoints (/metrics, /health, /ready) stay up even when the
broker is unreachable.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger("serve")
	defer logger.Close()

	logger.Info("Starting procctl", logging.Fields{"version": Version})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.InitTracer(ctx, cfg.TracingSettings(Version))
	if err != nil {
		logger.Warn("Tracing disabled", logging.Fields{"error": err.Error()})
		tracer = tracing.NewNoop("procctl")
	}

	scanner := discover.NewScanner()
	gs, err := gameserver.New(cfg.GameServerSettings(), logger, scanner)
	if err != nil {
		return err
	}
	ig, err := imagegen.New(cfg.ImageGenSettings(), logger, scanner)
	if err != nil {
		return err
	}

	registry := command.NewRegistry()
	if err := registry.Register(command.DomainGameServer, gs); err != nil {
		return err
	}
	if err := registry.Register(command.DomainImageGen, ig); err != nil {
		return err
	}

	m := metrics.New()
	m.WatchState(string(command.DomainGameServer), gs.State)
	m.WatchState(string(command.DomainImageGen), ig.State)

	opts := cfg.DispatchOptions()
	opts.Logger = logger
	opts.Tracer = tracer
	opts.Recorder = m
	brokerCfg := cfg.BrokerSettings()
	dispatcher := dispatch.New(registry, func(ctx context.Context) (dispatch.Connection, error) {
		conn, err := broker.Dial(ctx, brokerCfg, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, opts)

	limiter := ratelimit.NewLimiter(cfg.Ops.RateLimit, cfg.Ops.RateBurst)
	server := metrics.NewServer(cfg.Ops.Listen, metrics.NewRouter(m, dispatcher.Ready, limiter))

	sm := shutdown.New(cfg.Dispatch.ShutdownTimeout+15*time.Second, logger)
	sm.Register("tracing", tracer.Shutdown)
	sm.Register("ops-server", shutdown.StopHTTPServer(server, "ops server"))
	sm.Register("background", func(context.Context) error {
		cancel()
		return nil
	})
	sm.Register("dispatcher", dispatcher.Close)

	go func() {
		logger.Info("Ops server listening", logging.Fields{"addr": cfg.Ops.Listen})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", logging.Fields{"error": err.Error()})
		}
	}()

	go m.CollectHost(ctx, cfg.Ops.HostMetricsInterval, logger)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
					logger.Debug("Dropped idle rate limiters", logging.Fields{"count": n})
				}
			}
		}
	}()

	go func() {
		if err := dispatcher.Connect(ctx); err != nil {
			// ops endpoints stay up; /ready reports not ready
			return
		}
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("Command consumer stopped", logging.Fields{"error": err.Error()})
		}
	}()

	sm.Wait(context.Background())
	if failed := sm.Shutdown(); failed > 0 {
		return fmt.Errorf("%d shutdown step(s) failed", failed)
	}
	return nil
}
