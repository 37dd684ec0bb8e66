package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/crytic/keel/artifacts"
	"github.com/crytic/keel/chain/rpc"
	"github.com/crytic/keel/cmd/exitcodes"
	"github.com/crytic/keel/deployment"
	"github.com/crytic/keel/deployment/execution"
	"github.com/crytic/keel/deployment/interaction"
	"github.com/crytic/keel/deployment/manifest"
	"github.com/crytic/keel/deployment/reconciliation"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/logging/colors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// deployCmd represents the command provider for deployments
var deployCmd = &cobra.Command{
	Use:               "deploy <manifest>",
	Short:             "Deploys a module, resuming its previous deployment if any",
	Long:              `Deploys the module described by a manifest file, resuming its previous deployment if any`,
	Args:              cmdValidateDeployArgs,
	ValidArgsFunction: cmdValidDeployArgs,
	RunE:              cmdRunDeploy,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	// Add all the flags allowed for the deploy command
	err := addDeployFlags()
	if err != nil {
		cmdLogger.Panic("Failed to initialize the deploy command", err)
	}

	// Add the deploy command and its associated flags to the root command
	rootCmd.AddCommand(deployCmd)
}

// cmdValidDeployArgs completes manifest files until one was given, then unused flags
func cmdValidDeployArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return []string{"yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
	}
	return unusedFlags(cmd), cobra.ShellCompDirectiveNoFileComp
}

// cmdValidateDeployArgs makes sure exactly one manifest is provided to the deploy command
func cmdValidateDeployArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		err = fmt.Errorf("deploy expects exactly one manifest file argument")
		cmdLogger.Error("Failed to validate args to the deploy command", err)
		return err
	}
	return nil
}

// unusedFlags lists the flags of a command which have not been set yet, for autocompletion suggestions
func unusedFlags(cmd *cobra.Command) []string {
	var unused []string
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			unused = append(unused, "--"+flag.Name)
		}
	})
	return unused
}

// cmdRunDeploy executes the CLI deploy command
func cmdRunDeploy(cmd *cobra.Command, args []string) error {
	projectConfig, projectDirectory, err := loadProjectConfig(cmd)
	if err != nil {
		cmdLogger.Error("Failed to run the deploy command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	projectConfig.Deployment.DeploymentsDirectory = resolveAgainst(projectDirectory, projectConfig.Deployment.DeploymentsDirectory)
	projectConfig.Deployment.ArtifactsDirectory = resolveAgainst(projectDirectory, projectConfig.Deployment.ArtifactsDirectory)

	// Update the project configuration given whatever flags were set using the CLI
	if err = updateProjectConfigWithDeployFlags(cmd, projectConfig); err != nil {
		cmdLogger.Error("Failed to run the deploy command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	if err = projectConfig.Validate(); err != nil {
		cmdLogger.Error("Failed to run the deploy command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	closeLog, err := setupLogging(projectConfig.Logging)
	if err != nil {
		cmdLogger.Error("Failed to set up logging", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer closeLog()

	module, err := manifest.Load(args[0])
	if err != nil {
		cmdLogger.Error("Failed to load the manifest", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	// Stop the run on keyboard interrupts. Pending transactions are left to the next run.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			cmdLogger.Warn("Interrupt received, stopping the run")
			cancel()
		case <-ctx.Done():
		}
	}()

	client, err := rpc.Dial(ctx, projectConfig.Chain.RPCURL, rpc.Options{
		MaxRetries:     projectConfig.Chain.MaxRetries + 1,
		RequestTimeout: time.Duration(projectConfig.Chain.RequestTimeout) * time.Second,
		PrivateKey:     projectConfig.Chain.PrivateKey,
	})
	if err != nil {
		cmdLogger.Error("Failed to connect to ", projectConfig.Chain.RPCURL, err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer client.Close()

	deployer, err := deployment.NewDeployer(*projectConfig, client, artifacts.NewDirectoryResolver(projectConfig.Deployment.ArtifactsDirectory), nil)
	if err != nil {
		cmdLogger.Error("Failed to run the deploy command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	reportProgress(deployer)

	result, err := deployer.Deploy(ctx, module)
	if result != nil {
		printSummary(result)
	}
	if err != nil {
		var reconciliationErr *reconciliation.ReconciliationError
		if errors.As(err, &reconciliationErr) {
			cmdLogger.Error("Failed to resume the deployment", err)
			return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeReconciliationFailed)
		}
		cmdLogger.Error("Failed to run the deploy command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	switch {
	case result.Interrupted:
		return exitcodes.NewErrorWithExitCode(nil, exitcodes.ExitCodeRunInterrupted)
	case !result.Succeeded():
		return exitcodes.NewErrorWithExitCode(nil, exitcodes.ExitCodeDeploymentFailed)
	}
	return nil
}

// reportProgress subscribes the command logger to the events of a deployer which the engine does not log itself.
func reportProgress(deployer *deployment.Deployer) {
	deployer.Events.BatchStarted.Subscribe(func(event execution.BatchStartedEvent) error {
		cmdLogger.Info(colors.Bold, "Batch #", event.Index+1, colors.Reset, ": ", strings.Join(event.FutureIDs, ", "))
		return nil
	})
	deployer.Events.FeesBumped.Subscribe(func(event interaction.FeesBumpedEvent) error {
		cmdLogger.Warn("Bumped the fees of ", event.FutureID, " (bump ", event.Bump, ") from ", event.PreviousFees, " to ", event.Fees)
		return nil
	})
}

// printSummary logs the status of every future of the module, then the addresses of the contracts it deployed.
func printSummary(result *execution.Result) {
	lines := make([]string, 0, len(result.Successful)+len(result.Failures))
	for _, id := range result.Successful {
		lines = append(lines, fmt.Sprintf("  %-9s %s", state.Success, id))
	}
	for _, failure := range result.Failures {
		lines = append(lines, fmt.Sprintf("  %-9s %s: %s", failure.Status, failure.FutureID, failure.Reason))
	}
	if len(lines) > 0 {
		cmdLogger.Info("Futures:\n", strings.Join(lines, "\n"))
	}
	printDeployedAddresses(result)
}

// printDeployedAddresses logs the addresses of the contracts the module deployed or bound.
func printDeployedAddresses(result *execution.Result) {
	lines := make([]string, 0)
	for _, id := range result.Successful {
		if address, ok := deployment.DeployedAddress(result, id); ok {
			lines = append(lines, fmt.Sprintf("  %s - %s", id, address.Hex()))
		}
	}
	if len(lines) == 0 {
		return
	}
	cmdLogger.Info("Deployed addresses:\n", strings.Join(lines, "\n"))
}
