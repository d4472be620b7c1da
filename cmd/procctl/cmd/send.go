package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/procctl/internal/broker"
	"github.com/psantana5/procctl/internal/command"
)

var (
	sendNoWait  bool
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <domain> <instruction> [args...]",
	Short: "Send one command to a running procctl",
	Long: `Publishes a command envelope to the procctl queue and prints the reply.
Arguments are typed loosely: true/false become booleans, integers become
numbers and everything else is passed as a string.`,
	Example: `  procctl send gameserver Status
  procctl send gameserver Shutdown true
  procctl send imagegen Logs 50`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "publish without waiting for a reply")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "how long to wait for the reply (default broker.request_timeout)")
}

func runSend(cmd *cobra.Command, args []string) error {
	env := command.Envelope{
		Domain:      command.Domain(args[0]),
		Instruction: args[1],
		Arguments:   command.ParseArgs(args[2:]),
	}

	client, err := broker.NewClient(cfg.Broker.URL, cfg.Broker.Queue, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	timeout := sendTimeout
	if timeout <= 0 {
		timeout = cfg.Broker.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if sendNoWait {
		if err := client.Send(ctx, env); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s/%s\n", env.Domain, env.Instruction)
		return nil
	}

	resp, err := client.Request(ctx, env)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
	if resp.IsFailure() {
		return fmt.Errorf("%s/%s failed", env.Domain, env.Instruction)
	}
	return nil
}
