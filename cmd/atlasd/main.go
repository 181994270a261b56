// Command atlasd is a small operator-facing maintenance CLI over the task
// engine core: checkpoint/vacuum/repair/backup run as local commands against
// an already-provisioned store. It is explicitly NOT the external
// tool-protocol dispatcher spec.md §1 scopes out of the core — that
// dispatcher is a caller embedding internal/api directly; atlasd plays the
// same operator-maintenance role the teacher's cmd/bd plays over its own
// storage core, just narrowed to upkeep rather than day-to-day issue editing.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atlas-mcp/taskengine/internal/config"
	"github.com/atlas-mcp/taskengine/internal/coordinator"
	"github.com/atlas-mcp/taskengine/internal/logging"
)

var (
	flagBaseDir string
	flagName    string
)

var rootCmd = &cobra.Command{
	Use:   "atlasd",
	Short: "Operator maintenance commands for the task engine store",
	Long: `atlasd runs checkpoint, vacuum, repair, and backup maintenance
operations against a task engine store without going through the embedding
application's own tool-protocol dispatcher.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseDir, "base-dir", "", "storage base directory (overrides config/env)")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "", "storage name stem (overrides config/env)")
}

// openCoordinator loads configuration the same way the library entry point
// does (viper search path + ATLAS_ env vars) and opens the coordinator,
// applying any --base-dir/--name flag overrides on top.
func openCoordinator(ctx context.Context) (*coordinator.Coordinator, *logging.Logger, error) {
	logger := logging.New(logging.DefaultOptions(""))

	loader, err := config.Load(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loader.Config()
	if flagBaseDir != "" {
		cfg.StorageBaseDir = flagBaseDir
	}
	if flagName != "" {
		cfg.StorageName = flagName
	}
	if cfg.StorageBaseDir == "" {
		return nil, nil, fmt.Errorf("storage base directory is required (--base-dir, ATLAS_STORAGE_BASE_DIR, or atlas.yaml)")
	}

	logPath := filepath.Join(cfg.StorageBaseDir, "atlasd.log")
	logger = logging.New(logging.DefaultOptions(logPath))

	c, err := coordinator.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening coordinator: %w", err)
	}
	return c, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
