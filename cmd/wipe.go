package cmd

import (
	"fmt"

	"github.com/crytic/keel/cmd/exitcodes"
	"github.com/crytic/keel/deployment"
	"github.com/crytic/keel/logging/colors"
	"github.com/spf13/cobra"
)

// wipeCmd represents the command provider for wiping the state of a future
var wipeCmd = &cobra.Command{
	Use:   "wipe <deploymentId> <futureId>",
	Short: "Wipes the recorded state of a future",
	Long: `Wipes the recorded state of a future from a deployment so that the next run executes it again.
Futures which other started futures depend on cannot be wiped.`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: cmdValidDeploymentArgs(2),
	RunE:              cmdRunWipe,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	addConfigFlag(wipeCmd)
	rootCmd.AddCommand(wipeCmd)
}

// cmdRunWipe executes the CLI wipe command
func cmdRunWipe(cmd *cobra.Command, args []string) error {
	deployments, _, err := openStore(cmd)
	if err != nil {
		cmdLogger.Error("Failed to run the wipe command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	if !deployments.Exists(args[0]) {
		err = fmt.Errorf("deployment %s does not exist in %s", args[0], deployments.Root())
		cmdLogger.Error("Failed to run the wipe command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	d, err := deployments.Open(args[0])
	if err != nil {
		cmdLogger.Error("Failed to run the wipe command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer d.Close()

	if err = deployment.Wipe(d, args[1]); err != nil {
		cmdLogger.Error("Failed to run the wipe command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	cmdLogger.Info("Wiped the state of ", colors.Bold, args[1], colors.Reset, " from deployment ", args[0])
	return nil
}
