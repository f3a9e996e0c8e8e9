package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/checkpoint"
)

// newCheckpointCmd creates the `clawkeeper checkpoint` command group for
// inspecting and authoring checkpoint files.
func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and author checkpoint files",
	}

	cmd.AddCommand(
		newCheckpointValidateCmd(),
		newCheckpointShowCmd(),
		newCheckpointNewCmd(),
	)
	return cmd
}

func newCheckpointValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a checkpoint file and report every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := checkpoint.Read(args[0])
			if err == nil {
				fmt.Println("checkpoint is valid")
				return nil
			}

			var verr *checkpoint.ValidationError
			if errors.As(err, &verr) {
				for _, f := range verr.Fields {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", f.Path, f.Reason)
				}
			}
			return fmt.Errorf("checkpoint is invalid: %w", err)
		},
	}
}

func newCheckpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Print a checkpoint file as formatted JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := checkpoint.Read(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(c, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newCheckpointNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <file>",
		Short: "Write a fresh checkpoint file",
		Long: `Create a new checkpoint with a generated session ID. Useful for
seeding the first supervised run with explicit wake instructions.

Example:
  clawkeeper checkpoint new resume.json --reason planned --prompt "Resume the deploy review"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			prompt, _ := cmd.Flags().GetString("prompt")
			pending, _ := cmd.Flags().GetString("pending")
			instructions, _ := cmd.Flags().GetString("instructions")

			c := checkpoint.New(checkpoint.Reason(reason), checkpoint.WakeContext{
				Prompt:       prompt,
				PendingWork:  pending,
				Instructions: instructions,
			})
			if err := checkpoint.Write(args[0], c); err != nil {
				return err
			}
			fmt.Printf("wrote checkpoint %s (session %s)\n", args[0], c.SessionID)
			return nil
		},
	}

	cmd.Flags().String("reason", string(checkpoint.ReasonPlanned), "restart reason (planned, upgrade, crash)")
	cmd.Flags().String("prompt", "", "wake prompt for the resumed agent (required)")
	cmd.Flags().String("pending", "", "description of interrupted work")
	cmd.Flags().String("instructions", "", "extra operator instructions")
	return cmd
}
