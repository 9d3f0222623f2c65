package cmd

import (
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "data-sync-ingestion",
	Short: "Bounded event ingestion engine",
	Long: `Pulls the full event history from the challenge API through its
cursor-paginated stream endpoint and persists it to Postgres with
exact-resume checkpoints.`,
	RunE: runRoot,
}

// runRoot dispatches on the configured MODE so the bare binary works in a
// container entrypoint
func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Mode == config.ModeExplore {
		return runExplore(cmd, args)
	}
	return runIngest(cmd, args)
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
