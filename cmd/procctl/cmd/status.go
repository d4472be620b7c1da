package cmd

import (
	"context"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/procctl/internal/broker"
	"github.com/psantana5/procctl/internal/command"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every supervised process",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusRow struct {
	domain command.Domain
	state  string
	detail string
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := broker.NewClient(cfg.Broker.URL, cfg.Broker.Queue, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Broker.RequestTimeout)
	defer cancel()

	domains := []command.Domain{command.DomainGameServer, command.DomainImageGen}
	rows := make([]statusRow, len(domains))

	var wg sync.WaitGroup
	for i, d := range domains {
		wg.Add(1)
		go func(i int, d command.Domain) {
			defer wg.Done()
			resp, err := client.Request(ctx, command.Envelope{Domain: d, Instruction: command.InstructionStatus})
			if err != nil {
				rows[i] = statusRow{domain: d, state: "unknown", detail: err.Error()}
				return
			}
			rows[i] = statusRow{domain: d, state: stateOf(resp.Text), detail: resp.Text}
		}(i, d)
	}
	wg.Wait()

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Domain", "State", "Detail")
	for _, r := range rows {
		table.Append([]string{string(r.domain), r.state, r.detail})
	}
	table.Render()
	return nil
}

func stateOf(text string) string {
	for _, s := range []string{"Online", "Unmanaged", "Offline"} {
		if strings.Contains(text, " is "+s) {
			return strings.ToLower(s)
		}
	}
	return "unknown"
}
