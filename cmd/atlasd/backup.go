package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlas-mcp/taskengine/internal/ui"
)

var flagBackupFull bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a gzip-compressed JSON snapshot and prune old ones",
	Long: `backup writes a snapshot under {baseDir}/backups/ (incremental by
default, exporting only tasks dirtied since the last export; --full exports
every task) and then
applies the configured age/count retention policy (spec.md §6).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c, _, err := openCoordinator(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)

		mgr := c.Backup()
		if mgr == nil {
			return fmt.Errorf("backups are not enabled for this store (set backup-enabled: true)")
		}

		path, err := mgr.Export(ctx, !flagBackupFull)
		if err != nil {
			return err
		}
		if err := mgr.MarkExported(ctx); err != nil {
			return err
		}
		removed, err := mgr.Prune(time.Now())
		if err != nil {
			return err
		}

		md := fmt.Sprintf("# Backup report\n\n- snapshot: **%s**\n- pruned: **%d**\n", path, len(removed))
		fmt.Println(ui.BoxStyle(80).Render(ui.RenderMarkdown(md)))
		return nil
	},
}

func init() {
	backupCmd.Flags().BoolVar(&flagBackupFull, "full", false, "export every task instead of only those dirtied since the last export")
	rootCmd.AddCommand(backupCmd)
}
