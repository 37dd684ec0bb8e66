package config

import "github.com/rs/zerolog"

// GetDefaultProjectConfig obtains a default configuration for a project.
func GetDefaultProjectConfig() *ProjectConfig {
	return &ProjectConfig{
		Deployment: DeploymentConfig{
			DeploymentsDirectory:          "deployments",
			ArtifactsDirectory:            "artifacts",
			Strategy:                      StrategyBasic,
			Create2Salt:                   "0x0000000000000000000000000000000000000000000000000000000000000000",
			RequiredConfirmations:         1,
			BlockPollingInterval:          1000,
			TimeBeforeBumpingFees:         180_000,
			MaxFeeBumps:                   4,
			FeeBumpPercentage:             10,
			DroppedTransactionGracePeriod: 30_000,
			Parameters:                    map[string]map[string]any{},
		},
		Chain: ChainConfig{
			RPCURL:         "http://127.0.0.1:8545",
			MaxRetries:     3,
			RequestTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:        zerolog.InfoLevel,
			LogDirectory: "",
			NoColor:      false,
		},
	}
}
