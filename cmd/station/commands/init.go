package commands

import (
	"github.com/spf13/cobra"

	"github.com/stationhq/station/internal/printer"
	"github.com/stationhq/station/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new station instance",
	Long: `Initialize a new station instance with a starter configuration.

Creates:
  • station.yml - Instance configuration with example agents

Use --force to reinitialize (WARNING: overwrites existing configuration).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Force reinitialization (removes existing station.yml)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if err := scaffold.CheckExisting(); err != nil {
			return printer.Error("Cannot initialize", err.Error(), nil)
		}
	}

	if err := scaffold.Initialize(forceInit); err != nil {
		return printer.Error("Initialization failed", err.Error(), nil)
	}

	scaffold.PrintSuccess()
	return nil
}
