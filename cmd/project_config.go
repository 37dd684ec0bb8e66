package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crytic/keel/deployment/config"
	"github.com/crytic/keel/logging"
	"github.com/crytic/keel/logging/colors"
	"github.com/crytic/keel/utils"
	"github.com/spf13/cobra"
)

// addConfigFlag adds the --config flag shared by every command reading a project configuration.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", fmt.Sprintf("path to config file (default is %s in the working directory)", DefaultProjectConfigFilename))
}

// loadProjectConfig obtains the project configuration of a command and the directory it was loaded from:
// #1: If --config was used, the file must exist and is read.
// #2: Otherwise keel.json is read from the working directory if it exists.
// #3: Otherwise the default project configuration is used.
// The .env file of the project directory is applied on top of the configuration in every case.
func loadProjectConfig(cmd *cobra.Command) (*config.ProjectConfig, string, error) {
	configFlagUsed := cmd.Flags().Changed("config")
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	if !configFlagUsed {
		workingDirectory, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		configPath = filepath.Join(workingDirectory, DefaultProjectConfigFilename)
	}
	projectDirectory := filepath.Dir(configPath)

	var projectConfig *config.ProjectConfig
	_, existenceError := os.Stat(configPath)
	switch {
	case existenceError == nil:
		cmdLogger.Info("Reading the configuration file at: ", colors.Bold, configPath, colors.Reset)
		if projectConfig, err = config.ReadProjectConfigFromFile(configPath); err != nil {
			return nil, "", err
		}
	case configFlagUsed:
		return nil, "", existenceError
	default:
		cmdLogger.Warn(fmt.Sprintf("Unable to find the config file at %v, will use the default project configuration instead", configPath))
		projectConfig = config.GetDefaultProjectConfig()
	}

	if err = projectConfig.ApplyEnvironment(filepath.Join(projectDirectory, DefaultEnvironmentFilename)); err != nil {
		return nil, "", err
	}
	return projectConfig, projectDirectory, nil
}

// setupLogging replaces the global logger with one configured by the project configuration. Console output goes to
// stdout and, if a log directory is configured, structured output to a new file in it. The returned function closes
// the log file.
func setupLogging(loggingConfig config.LoggingConfig) (func(), error) {
	if loggingConfig.NoColor {
		colors.DisableColor()
	}
	logging.GlobalLogger = logging.NewLogger(loggingConfig.Level)
	logging.GlobalLogger.AddWriter(os.Stdout, logging.UNSTRUCTURED, !loggingConfig.NoColor)

	if loggingConfig.LogDirectory == "" {
		return func() {}, nil
	}
	if err := utils.MakeDirectory(loggingConfig.LogDirectory); err != nil {
		return nil, err
	}
	fileName := fmt.Sprintf("keel-%d.log", time.Now().Unix())
	file, err := os.Create(filepath.Join(loggingConfig.LogDirectory, fileName))
	if err != nil {
		return nil, err
	}
	logging.GlobalLogger.AddWriter(file, logging.STRUCTURED, false)
	return func() {
		logging.GlobalLogger.RemoveWriter(file, logging.STRUCTURED, false)
		_ = file.Close()
	}, nil
}

// resolveAgainst makes a relative path relative to the project directory instead of the working directory.
func resolveAgainst(projectDirectory string, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDirectory, path)
}
