package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/journal"
)

// newEventsCmd creates the `clawkeeper events` command that lists the
// most recent lifecycle events from the journal.
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent lifecycle events from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("journal is disabled in the configuration")
			}

			limit, _ := cmd.Flags().GetInt("limit")
			jnl, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer jnl.Close()

			entries, err := jnl.Recent(limit)
			if err != nil {
				return fmt.Errorf("reading journal: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("no events recorded")
				return nil
			}

			for _, e := range entries {
				line := fmt.Sprintf("%s  %-12s pid=%d", e.CreatedAt.Format(time.RFC3339), e.Type, e.PID)
				if e.Message != "" {
					line += "  " + e.Message
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "maximum number of events to show")
	return cmd
}
