package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/meshgen/pkg/orchestrator"
	"github.com/psantana5/meshgen/pkg/retry"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the account balance",
	Args:  cobra.NoArgs,
	RunE:  runBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func runBalance(cmd *cobra.Command, args []string) error {
	if serverURL != "" {
		return daemonBalance(cmd)
	}

	logger, closeLog, err := newLogger("meshgen")
	if err != nil {
		return err
	}
	defer closeLog()

	client, err := newClient(logger, nil)
	if err != nil {
		return err
	}

	balance := orchestrator.NewBalanceSync(client, retry.DefaultPolicy(), logger, nil)
	balance.Refresh(cmd.Context())
	value, display, updated := balance.Balance()
	if updated.IsZero() {
		return fmt.Errorf("failed to fetch balance from %s", cfg.BaseURL)
	}

	return displayBalance(value, display, updated)
}

// daemonBalance shows the daemon's last known balance without calling the
// service.
func daemonBalance(cmd *cobra.Command) error {
	client, err := newDaemonClient()
	if err != nil {
		return err
	}
	b, err := client.Balance(cmd.Context())
	if err != nil {
		return err
	}
	var updated time.Time
	if b.UpdatedAt != nil {
		updated = *b.UpdatedAt
	}
	return displayBalance(b.Balance, b.Display, updated)
}

func displayBalance(value float64, display string, updated time.Time) error {
	fetched := "never"
	if !updated.IsZero() {
		fetched = updated.Format(time.RFC3339)
	}
	if IsJSONOutput() {
		return printJSON(map[string]interface{}{
			"balance":    value,
			"display":    display,
			"fetched_at": fetched,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Balance", display)
	table.Append("Fetched At", fetched)
	return table.Render()
}
