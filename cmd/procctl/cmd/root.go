package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/procctl/internal/config"
	"github.com/psantana5/procctl/pkg/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var (
	cfgFile  string
	logLevel string
	jsonLogs bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "procctl",
	Short: "Supervise long-running processes through broker commands",
	Long: `procctl consumes operator commands from an AMQP queue and routes them to
supervisors that start, stop and inspect a game server and an image
generation service on this host.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(viper.New(), cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if cmd.Flags().Changed("json-logs") {
			loaded.Log.JSON = jsonLogs
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.procctl/config.yaml, then /etc/procctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON lines")
}

// newLogger builds the process logger from the loaded config. File logging
// falls back to stdout when no log directory is writable.
func newLogger(component string) *logging.Logger {
	level := cfg.LogLevel()
	if cfg.Log.File {
		logger, err := logging.NewFileLogger("procctl", component, level, cfg.Log.JSON)
		if err == nil {
			return logger
		}
		fmt.Fprintf(os.Stderr, "File logging unavailable, using stdout: %v\n", err)
	}
	return logging.NewLogger(level, cfg.Log.JSON)
}
