package cmd

import (
	"fmt"

	"github.com/crytic/keel/cmd/exitcodes"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/deployment/status"
	"github.com/spf13/cobra"
)

// listCmd represents the command provider for listing deployments
var listCmd = &cobra.Command{
	Use:           "list",
	Short:         "Lists the deployments of a project",
	Long:          `Lists the deployments recorded in the deployments directory of a project`,
	Args:          cobra.NoArgs,
	RunE:          cmdRunList,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addConfigFlag(listCmd)
	rootCmd.AddCommand(listCmd)
}

// cmdRunList executes the CLI list command
func cmdRunList(cmd *cobra.Command, args []string) error {
	deployments, _, err := openStore(cmd)
	if err != nil {
		cmdLogger.Error("Failed to run the list command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	ids, err := deployments.List()
	if err != nil {
		cmdLogger.Error("Failed to run the list command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	if len(ids) == 0 {
		cmdLogger.Info("No deployments found in ", deployments.Root())
		return nil
	}

	for _, id := range ids {
		report, err := status.Load(deployments.Dir(id))
		if err != nil {
			cmdLogger.Warn("Unable to read deployment ", id, err)
			continue
		}
		counts := report.Counts()
		fmt.Printf("%s\tchain %d\t%d futures, %d succeeded, %d runs\n",
			id, report.ChainID, len(report.Futures), counts[state.Success], report.RunCount)
	}
	return nil
}
