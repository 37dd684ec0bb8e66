package cmd

import (
	"fmt"

	"github.com/crytic/keel/deployment/config"
	"github.com/spf13/cobra"
)

// addDeployFlags adds the various flags for the deploy command
func addDeployFlags() error {
	defaultConfig := config.GetDefaultProjectConfig()

	// Prevent alphabetical sorting of usage message
	deployCmd.Flags().SortFlags = false

	// Config file
	addConfigFlag(deployCmd)

	// Deployment id
	deployCmd.Flags().String("deployment-id", "",
		"id of the deployment to create or resume (unless a config file is provided, default is chain-<chainId>)")

	// Parameters
	deployCmd.Flags().String("parameters", "", "path to a JSON file of module parameters, keyed by module id")

	// RPC URL
	deployCmd.Flags().String("rpc-url", "",
		fmt.Sprintf("JSON-RPC endpoint of the node (unless a config file is provided, default is %q)", defaultConfig.Chain.RPCURL))

	// Strategy
	deployCmd.Flags().String("strategy", "",
		fmt.Sprintf("execution strategy, %q or %q (unless a config file is provided, default is %q)",
			config.StrategyBasic, config.StrategyCreate2, defaultConfig.Deployment.Strategy))

	// Default sender
	deployCmd.Flags().String("default-sender", "", "account address used by futures which do not set a sender")

	// Confirmations
	deployCmd.Flags().Uint64("confirmations", 0,
		fmt.Sprintf("blocks a transaction needs before it is confirmed (unless a config file is provided, default is %d)",
			defaultConfig.Deployment.RequiredConfirmations))

	// Artifacts directory
	deployCmd.Flags().String("artifacts-dir", "",
		fmt.Sprintf("directory path for contract artifacts (unless a config file is provided, default is %q)",
			defaultConfig.Deployment.ArtifactsDirectory))

	// Deployments directory
	deployCmd.Flags().String("deployments-dir", "",
		fmt.Sprintf("directory path for deployment journals (unless a config file is provided, default is %q)",
			defaultConfig.Deployment.DeploymentsDirectory))

	// No color
	deployCmd.Flags().Bool("no-color", false, "disabled colored terminal output")
	return nil
}

// updateProjectConfigWithDeployFlags will update the given projectConfig with any CLI arguments that were provided to
// the deploy command
func updateProjectConfigWithDeployFlags(cmd *cobra.Command, projectConfig *config.ProjectConfig) error {
	var err error

	// Update deployment id
	if cmd.Flags().Changed("deployment-id") {
		projectConfig.Deployment.DeploymentID, err = cmd.Flags().GetString("deployment-id")
		if err != nil {
			return err
		}
	}

	// Merge parameters
	if cmd.Flags().Changed("parameters") {
		path, err := cmd.Flags().GetString("parameters")
		if err != nil {
			return err
		}
		parameters, err := config.ReadParametersFromFile(path)
		if err != nil {
			return err
		}
		projectConfig.Deployment.MergeParameters(parameters)
	}

	// Update RPC URL
	if cmd.Flags().Changed("rpc-url") {
		projectConfig.Chain.RPCURL, err = cmd.Flags().GetString("rpc-url")
		if err != nil {
			return err
		}
	}

	// Update strategy
	if cmd.Flags().Changed("strategy") {
		projectConfig.Deployment.Strategy, err = cmd.Flags().GetString("strategy")
		if err != nil {
			return err
		}
	}

	// Update default sender
	if cmd.Flags().Changed("default-sender") {
		projectConfig.Deployment.DefaultSender, err = cmd.Flags().GetString("default-sender")
		if err != nil {
			return err
		}
	}

	// Update confirmations
	if cmd.Flags().Changed("confirmations") {
		projectConfig.Deployment.RequiredConfirmations, err = cmd.Flags().GetUint64("confirmations")
		if err != nil {
			return err
		}
	}

	// Update artifacts directory
	if cmd.Flags().Changed("artifacts-dir") {
		projectConfig.Deployment.ArtifactsDirectory, err = cmd.Flags().GetString("artifacts-dir")
		if err != nil {
			return err
		}
	}

	// Update deployments directory
	if cmd.Flags().Changed("deployments-dir") {
		projectConfig.Deployment.DeploymentsDirectory, err = cmd.Flags().GetString("deployments-dir")
		if err != nil {
			return err
		}
	}

	// Update log color
	if cmd.Flags().Changed("no-color") {
		projectConfig.Logging.NoColor, err = cmd.Flags().GetBool("no-color")
		if err != nil {
			return err
		}
	}
	return nil
}
