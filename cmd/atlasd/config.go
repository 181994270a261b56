package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/atlas-mcp/taskengine/internal/config"
	"github.com/atlas-mcp/taskengine/internal/logging"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration (spec.md §6) as YAML",
	Long: `config resolves the engine's configuration table from atlas.yaml
and ATLAS_-prefixed environment variables the same way the library entry
point does, applying any --base-dir/--name overrides, and prints the result
as YAML for operators to inspect before opening a store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := config.Load(logging.Nop())
		if err != nil {
			return err
		}
		cfg := loader.Config()
		if flagBaseDir != "" {
			cfg.StorageBaseDir = flagBaseDir
		}
		if flagName != "" {
			cfg.StorageName = flagName
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
