package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlas-mcp/taskengine/internal/journal"
	"github.com/atlas-mcp/taskengine/internal/ui"
)

var flagCheckpointMode string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Drain the write-ahead log into the main store file",
	Long: `checkpoint runs a journal checkpoint in the requested mode
(PASSIVE, RESTART, or TRUNCATE; spec.md §4.1), reporting the WAL size
before and after.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := journal.CheckpointMode(flagCheckpointMode)
		switch mode {
		case journal.CheckpointPassive, journal.CheckpointRestart, journal.CheckpointTruncate:
		default:
			return fmt.Errorf("invalid --mode %q: must be PASSIVE, RESTART, or TRUNCATE", flagCheckpointMode)
		}

		ctx := context.Background()
		c, _, err := openCoordinator(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)

		result, err := c.Store().Journal().Checkpoint(ctx, mode)
		if err != nil {
			return err
		}

		md := fmt.Sprintf(
			"# Checkpoint report\n\n- mode: **%s**\n- size before: **%d bytes**\n- size after: **%d bytes**\n- duration: **%s**\n- attempts: **%d**\n",
			result.Mode, result.SizeBeforeBytes, result.SizeAfterBytes, result.Duration, result.Attempts,
		)
		fmt.Println(ui.BoxStyle(72).Render(ui.RenderMarkdown(md)))
		return nil
	},
}

func init() {
	checkpointCmd.Flags().StringVar(&flagCheckpointMode, "mode", string(journal.CheckpointPassive), "checkpoint mode: PASSIVE, RESTART, or TRUNCATE")
	rootCmd.AddCommand(checkpointCmd)
}
