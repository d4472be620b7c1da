// Package config loads procctl settings from a YAML file, PROCCTL_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins over file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/procctl/internal/broker"
	"github.com/psantana5/procctl/internal/dispatch"
	"github.com/psantana5/procctl/internal/supervisor/gameserver"
	"github.com/psantana5/procctl/internal/supervisor/imagegen"
	"github.com/psantana5/procctl/pkg/logging"
	"github.com/psantana5/procctl/pkg/retry"
	"github.com/psantana5/procctl/pkg/tracing"
)

// EnvPrefix prefixes every environment override, e.g. PROCCTL_BROKER_URL
const EnvPrefix = "PROCCTL"

// Config is the full procctl configuration
type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Broker     BrokerConfig     `mapstructure:"broker" yaml:"broker"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	GameServer GameServerConfig `mapstructure:"gameserver" yaml:"gameserver"`
	ImageGen   ImageGenConfig   `mapstructure:"imagegen" yaml:"imagegen"`
	Ops        OpsConfig        `mapstructure:"ops" yaml:"ops"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`

	// LogCapacity is the number of output lines kept per supervised process
	LogCapacity int `mapstructure:"log_capacity" yaml:"log_capacity"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
}

type BrokerConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	Queue           string        `mapstructure:"queue" yaml:"queue"`
	MessageTTL      time.Duration `mapstructure:"message_ttl" yaml:"message_ttl"`
	Prefetch        int           `mapstructure:"prefetch" yaml:"prefetch"`
	ConnectAttempts int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff" yaml:"connect_backoff"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type DispatchConfig struct {
	QueueDepth      int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type GameServerConfig struct {
	Executable       string        `mapstructure:"executable" yaml:"executable"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	WorkDir          string        `mapstructure:"workdir" yaml:"workdir"`
	ReadyMarker      string        `mapstructure:"ready_marker" yaml:"ready_marker"`
	StopToken        string        `mapstructure:"stop_token" yaml:"stop_token"`
	StoppedMarker    string        `mapstructure:"stopped_marker" yaml:"stopped_marker"`
	QueryToken       string        `mapstructure:"query_token" yaml:"query_token"`
	TimestampPattern string        `mapstructure:"timestamp_pattern" yaml:"timestamp_pattern"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	StopLinger       time.Duration `mapstructure:"stop_linger" yaml:"stop_linger"`
	QueryWindow      time.Duration `mapstructure:"query_window" yaml:"query_window"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type ImageGenConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Executable       string        `mapstructure:"executable" yaml:"executable"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	WorkDir          string        `mapstructure:"workdir" yaml:"workdir"`
	Env              []string      `mapstructure:"env" yaml:"env"`
	HealthURL        string        `mapstructure:"health_url" yaml:"health_url"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	CmdlineSignature string        `mapstructure:"cmdline_signature" yaml:"cmdline_signature"`
	ProcessName      string        `mapstructure:"process_name" yaml:"process_name"`
}

type OpsConfig struct {
	Listen              string        `mapstructure:"listen" yaml:"listen"`
	RateLimit           float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst           int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	HostMetricsInterval time.Duration `mapstructure:"host_metrics_interval" yaml:"host_metrics_interval"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// SetDefaults registers a default for every key so that environment
// overrides are honoured even when the file omits the key
func SetDefaults(v *viper.Viper) {
	gs := gameserver.DefaultConfig()
	ig := imagegen.DefaultConfig()
	bc := broker.DefaultConfig()
	do := dispatch.DefaultOptions()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)

	v.SetDefault("broker.url", bc.URL)
	v.SetDefault("broker.queue", bc.Queue)
	v.SetDefault("broker.message_ttl", bc.MessageTTL)
	v.SetDefault("broker.prefetch", bc.Prefetch)
	v.SetDefault("broker.connect_attempts", do.Connect.MaxAttempts)
	v.SetDefault("broker.connect_backoff", do.Connect.InitialBackoff)
	v.SetDefault("broker.request_timeout", 60*time.Second)

	v.SetDefault("dispatch.queue_depth", do.QueueDepth)
	v.SetDefault("dispatch.shutdown_timeout", do.ShutdownTimeout)

	v.SetDefault("gameserver.executable", "")
	v.SetDefault("gameserver.args", []string{})
	v.SetDefault("gameserver.workdir", "")
	v.SetDefault("gameserver.ready_marker", gs.ReadyMarker)
	v.SetDefault("gameserver.stop_token", gs.StopToken)
	v.SetDefault("gameserver.stopped_marker", gs.StoppedMarker)
	v.SetDefault("gameserver.query_token", gs.QueryToken)
	v.SetDefault("gameserver.timestamp_pattern", gs.TimestampPattern)
	v.SetDefault("gameserver.startup_timeout", gs.StartupTimeout)
	v.SetDefault("gameserver.stop_timeout", gs.StopTimeout)
	v.SetDefault("gameserver.stop_linger", gs.StopLinger)
	v.SetDefault("gameserver.query_window", gs.QueryWindow)
	v.SetDefault("gameserver.poll_interval", gs.PollInterval)

	v.SetDefault("imagegen.enabled", ig.Enabled)
	v.SetDefault("imagegen.executable", "")
	v.SetDefault("imagegen.args", []string{})
	v.SetDefault("imagegen.workdir", "")
	v.SetDefault("imagegen.env", []string{})
	v.SetDefault("imagegen.health_url", ig.HealthURL)
	v.SetDefault("imagegen.probe_timeout", ig.ProbeTimeout)
	v.SetDefault("imagegen.poll_interval", ig.PollInterval)
	v.SetDefault("imagegen.startup_timeout", ig.StartupTimeout)
	v.SetDefault("imagegen.cmdline_signature", ig.CmdlineSignature)
	v.SetDefault("imagegen.process_name", ig.ProcessName)

	v.SetDefault("ops.listen", ":9464")
	v.SetDefault("ops.rate_limit", 10.0)
	v.SetDefault("ops.rate_burst", 20)
	v.SetDefault("ops.host_metrics_interval", 15*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "procctl")
	v.SetDefault("tracing.environment", "production")

	v.SetDefault("log_capacity", gs.LogCapacity)
}

// SearchPaths lists the directories probed for config.yaml when no explicit
// file is given
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".procctl"))
	}
	return append(paths, "/etc/procctl")
}

// Load reads configuration. An empty path searches SearchPaths; a missing
// file there is not an error, a missing explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, a ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, a...))
		}
	}

	check(c.Broker.URL != "", "broker.url is required")
	check(c.Broker.Queue != "", "broker.queue is required")
	check(c.Broker.MessageTTL >= 0, "broker.message_ttl must not be negative")
	check(c.Broker.ConnectAttempts >= 1, "broker.connect_attempts must be at least 1, got %d", c.Broker.ConnectAttempts)
	check(c.Broker.ConnectBackoff >= 0, "broker.connect_backoff must not be negative")
	check(c.Dispatch.QueueDepth >= 1, "dispatch.queue_depth must be at least 1, got %d", c.Dispatch.QueueDepth)
	check(c.LogCapacity >= 1, "log_capacity must be at least 1, got %d", c.LogCapacity)

	check(c.GameServer.StartupTimeout > 0, "gameserver.startup_timeout must be positive")
	check(c.GameServer.StopTimeout > 0, "gameserver.stop_timeout must be positive")
	check(c.GameServer.PollInterval > 0, "gameserver.poll_interval must be positive")
	check(c.GameServer.QueryWindow > 0, "gameserver.query_window must be positive")
	check(c.GameServer.ReadyMarker != "", "gameserver.ready_marker is required")
	check(c.GameServer.StopToken != "", "gameserver.stop_token is required")

	if c.ImageGen.Enabled {
		check(c.ImageGen.HealthURL != "", "imagegen.health_url is required when enabled")
		check(c.ImageGen.StartupTimeout > 0, "imagegen.startup_timeout must be positive")
		check(c.ImageGen.PollInterval > 0, "imagegen.poll_interval must be positive")
	}

	check(c.Ops.RateLimit > 0, "ops.rate_limit must be positive")
	check(c.Ops.RateBurst >= 1, "ops.rate_burst must be at least 1")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// BrokerSettings converts to the broker package config
func (c *Config) BrokerSettings() broker.Config {
	bc := broker.DefaultConfig()
	bc.URL = c.Broker.URL
	bc.Queue = c.Broker.Queue
	bc.MessageTTL = c.Broker.MessageTTL
	bc.Prefetch = c.Broker.Prefetch
	return bc
}

// DispatchOptions converts to dispatcher options; logger, tracer and
// recorder are filled in by the caller
func (c *Config) DispatchOptions() dispatch.Options {
	opts := dispatch.DefaultOptions()
	opts.QueueDepth = c.Dispatch.QueueDepth
	opts.ShutdownTimeout = c.Dispatch.ShutdownTimeout
	opts.Connect = retry.Fixed(c.Broker.ConnectAttempts, c.Broker.ConnectBackoff)
	return opts
}

// GameServerSettings converts to the game server supervisor config
func (c *Config) GameServerSettings() gameserver.Config {
	g := c.GameServer
	return gameserver.Config{
		Executable:       g.Executable,
		Args:             g.Args,
		WorkDir:          g.WorkDir,
		ReadyMarker:      g.ReadyMarker,
		StopToken:        g.StopToken,
		StoppedMarker:    g.StoppedMarker,
		QueryToken:       g.QueryToken,
		TimestampPattern: g.TimestampPattern,
		StartupTimeout:   g.StartupTimeout,
		StopTimeout:      g.StopTimeout,
		StopLinger:       g.StopLinger,
		QueryWindow:      g.QueryWindow,
		PollInterval:     g.PollInterval,
		LogCapacity:      c.LogCapacity,
	}
}

// ImageGenSettings converts to the image generator supervisor config
func (c *Config) ImageGenSettings() imagegen.Config {
	i := c.ImageGen
	return imagegen.Config{
		Enabled:          i.Enabled,
		Executable:       i.Executable,
		Args:             i.Args,
		WorkDir:          i.WorkDir,
		Env:              i.Env,
		HealthURL:        i.HealthURL,
		ProbeTimeout:     i.ProbeTimeout,
		PollInterval:     i.PollInterval,
		StartupTimeout:   i.StartupTimeout,
		CmdlineSignature: i.CmdlineSignature,
		ProcessName:      i.ProcessName,
		LogCapacity:      c.LogCapacity,
	}
}

// TracingSettings converts to the tracing package config
func (c *Config) TracingSettings(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}
}
