package cmd

import (
	"os"

	"github.com/crytic/keel/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cmdLogger is the logger used by the commands to report their own progress and failures.
var cmdLogger = logging.NewLogger(zerolog.InfoLevel).NewSubLogger("module", logging.CLI_SERVICE)

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "A resumable deployment engine for smart contract modules",
	Long: "keel deploys modules of smart contracts and calls to a chain, journaling every step so that interrupted " +
		"deployments resume where they stopped",
	SilenceErrors: true,
}

func init() {
	cmdLogger.AddWriter(os.Stdout, logging.UNSTRUCTURED, true)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
