package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/crytic/keel/cmd/exitcodes"
	"github.com/crytic/keel/deployment/config"
	"github.com/crytic/keel/deployment/status"
	"github.com/crytic/keel/deployment/store"
	"github.com/crytic/keel/logging/colors"
	"github.com/spf13/cobra"
)

// statusCmd represents the command provider for deployment status reports
var statusCmd = &cobra.Command{
	Use:               "status [deploymentId]",
	Short:             "Shows the status of a deployment",
	Long:              `Shows the status of every future and transaction recorded in the journal of a deployment`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: cmdValidDeploymentArgs(1),
	RunE:              cmdRunStatus,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	addConfigFlag(statusCmd)
	statusCmd.Flags().Bool("no-color", false, "disabled colored terminal output")
	rootCmd.AddCommand(statusCmd)
}

// openStore loads the project configuration of a command and returns the store of its deployments directory.
func openStore(cmd *cobra.Command) (*store.Store, *config.ProjectConfig, error) {
	projectConfig, projectDirectory, err := loadProjectConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	root := resolveAgainst(projectDirectory, projectConfig.Deployment.DeploymentsDirectory)
	return store.NewStore(root), projectConfig, nil
}

// selectDeployment returns the deployment named by the first argument, the configured deployment, or the only
// deployment of the store.
func selectDeployment(deployments *store.Store, projectConfig *config.ProjectConfig, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if projectConfig.Deployment.DeploymentID != "" {
		return projectConfig.Deployment.DeploymentID, nil
	}
	ids, err := deployments.List()
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("no deployment found in %s", deployments.Root())
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("several deployments found in %s, pick one of: %s", deployments.Root(), strings.Join(ids, ", "))
	}
}

// cmdValidDeploymentArgs completes deployment ids for the first positional argument.
func cmdValidDeploymentArgs(maxArgs int) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) >= maxArgs {
			return unusedFlags(cmd), cobra.ShellCompDirectiveNoFileComp
		}
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		deployments, _, err := openStore(cmd)
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		ids, err := deployments.List()
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		return ids, cobra.ShellCompDirectiveNoFileComp
	}
}

// cmdRunStatus executes the CLI status command
func cmdRunStatus(cmd *cobra.Command, args []string) error {
	deployments, projectConfig, err := openStore(cmd)
	if err != nil {
		cmdLogger.Error("Failed to run the status command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	noColor, err := cmd.Flags().GetBool("no-color")
	if err != nil {
		return err
	}
	if noColor || projectConfig.Logging.NoColor {
		colors.DisableColor()
	}

	id, err := selectDeployment(deployments, projectConfig, args)
	if err != nil {
		cmdLogger.Error("Failed to run the status command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	report, err := status.Load(deployments.Dir(id))
	if err != nil {
		cmdLogger.Error("Failed to run the status command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	return report.Render(os.Stdout)
}
