package cmd

import (
	"github.com/crytic/keel/deployment/config"
	"github.com/spf13/cobra"
)

// addInitFlags adds the various flags for the init command
func addInitFlags() error {
	// Output path for configuration
	initCmd.Flags().String("out", "", "output path for the new project configuration file")

	// Overwrite without asking
	initCmd.Flags().Bool("force", false, "overwrite an existing configuration file without asking")

	// Chain and strategy
	initCmd.Flags().String("rpc-url", "", "JSON-RPC endpoint of the node")
	initCmd.Flags().String("strategy", "", "execution strategy, \"basic\" or \"create2\"")
	initCmd.Flags().String("create2-salt", "", "32-byte hex salt used by the create2 strategy")
	return nil
}

// updateProjectConfigWithInitFlags will update the given projectConfig with any CLI arguments that were provided to
// the init command
func updateProjectConfigWithInitFlags(cmd *cobra.Command, projectConfig *config.ProjectConfig) error {
	var err error
	if cmd.Flags().Changed("rpc-url") {
		projectConfig.Chain.RPCURL, err = cmd.Flags().GetString("rpc-url")
		if err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("strategy") {
		projectConfig.Deployment.Strategy, err = cmd.Flags().GetString("strategy")
		if err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("create2-salt") {
		projectConfig.Deployment.Create2Salt, err = cmd.Flags().GetString("create2-salt")
		if err != nil {
			return err
		}
	}
	return nil
}
