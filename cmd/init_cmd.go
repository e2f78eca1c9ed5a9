package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/orphanage/internal/client"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .orphanage.yaml in current directory",
	Long: `Write a project config with the router URI and scan defaults.

Credentials are not written; set ORPHANAGE_USER and ORPHANAGE_PASSWORD or edit
the credentials section by hand.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := client.ProjectConfigFile

		if _, err := os.Stat(configPath); err == nil && !initForce {
			return fmt.Errorf("config already exists. Use --force to overwrite")
		}

		defaults := client.DefaultConfig()
		type initConfig struct {
			URI        string              `yaml:"uri"`
			Comparison string              `yaml:"comparison"`
			Shards     client.ShardsConfig `yaml:"shards"`
			Scan       client.ScanConfig   `yaml:"scan"`
			Remove     client.RemoveConfig `yaml:"remove"`
		}
		cfg := initConfig{
			URI:        defaults.URI,
			Comparison: defaults.Comparison,
			Shards:     defaults.Shards,
			Scan:       defaults.Scan,
			Remove:     defaults.Remove,
		}
		if uriFlag != "" {
			cfg.URI = uriFlag
		}
		if shardsFlag != "" {
			cfg.Shards.Active = client.SplitList(shardsFlag)
		}
		if comparisonFlag != "" {
			cfg.Comparison = comparisonFlag
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", configPath, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created %s\n", configPath)
		fmt.Fprintf(out, "  uri:        %s\n", client.RedactURI(cfg.URI))
		fmt.Fprintf(out, "  comparison: %s\n", cfg.Comparison)
		if len(cfg.Shards.Active) > 0 {
			fmt.Fprintf(out, "  shards:     %v\n", cfg.Shards.Active)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config")

	rootCmd.AddCommand(initCmd)
}
