package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/crytic/keel/utils"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Environment variables which override values of a ProjectConfig. They may be supplied through a .env file.
const (
	EnvRPCURL     = "KEEL_RPC_URL"
	EnvPrivateKey = "KEEL_PRIVATE_KEY"
)

// Supported execution strategies.
const (
	StrategyBasic   = "basic"
	StrategyCreate2 = "create2"
)

type ProjectConfig struct {
	// Deployment describes the configuration used by the execution engine.
	Deployment DeploymentConfig `json:"deployment"`

	// Chain describes how to reach the chain the deployment targets.
	Chain ChainConfig `json:"chain"`

	// Logging describes the configuration used for logging to file and console
	Logging LoggingConfig `json:"logging"`
}

// DeploymentConfig describes the configuration options used by the deployment.Deployer.
type DeploymentConfig struct {
	// DeploymentsDirectory describes the folder holding one sub-directory (journal and artifact cache) per deployment.
	DeploymentsDirectory string `json:"deploymentsDirectory"`

	// DeploymentID names the deployment to create or resume. If empty, "chain-<chainId>" is used.
	DeploymentID string `json:"deploymentId"`

	// ArtifactsDirectory describes the folder holding the contract artifacts referenced by the module.
	ArtifactsDirectory string `json:"artifactsDirectory"`

	// DefaultSender is the address used for futures that do not set a sender. If empty, the first account reported
	// by the chain client is used.
	DefaultSender string `json:"defaultSender"`

	// Strategy describes how deployments are executed: "basic" or "create2".
	Strategy string `json:"strategy"`

	// Create2Salt is the 32-byte hex salt used by the create2 strategy.
	Create2Salt string `json:"create2Salt"`

	// RequiredConfirmations describes how many blocks, including the inclusion block, a transaction needs before it
	// is considered confirmed.
	RequiredConfirmations uint64 `json:"requiredConfirmations"`

	// BlockPollingInterval describes the time in milliseconds between two polls of a pending transaction.
	BlockPollingInterval int `json:"blockPollingInterval"`

	// TimeBeforeBumpingFees describes the time in milliseconds a transaction may stay pending before its fees are
	// bumped.
	TimeBeforeBumpingFees int `json:"timeBeforeBumpingFees"`

	// MaxFeeBumps describes how many times a stuck transaction is resubmitted before its future times out.
	MaxFeeBumps int `json:"maxFeeBumps"`

	// FeeBumpPercentage describes by how much, in percent, the fees of a stuck transaction are raised on each bump.
	FeeBumpPercentage uint64 `json:"feeBumpPercentage"`

	// DroppedTransactionGracePeriod describes the time in milliseconds a transaction may be unknown to the node before
	// it is considered dropped.
	DroppedTransactionGracePeriod int `json:"droppedTransactionGracePeriod"`

	// MaxFeePerGasLimit caps the max fee per gas (or the gas price on legacy chains). Unset means no cap.
	MaxFeePerGasLimit *WeiAmount `json:"maxFeePerGasLimit,omitempty"`

	// MaxPriorityFeePerGas fixes the priority fee instead of asking the chain for a suggestion.
	MaxPriorityFeePerGas *WeiAmount `json:"maxPriorityFeePerGas,omitempty"`

	// GasPrice fixes the gas price for every transaction and forces legacy transactions.
	GasPrice *WeiAmount `json:"gasPrice,omitempty"`

	// GasLimit fixes the gas limit of every transaction. Zero means the limit is estimated.
	GasLimit uint64 `json:"gasLimit"`

	// Parameters provides module parameter values, keyed by module id and then parameter name.
	Parameters map[string]map[string]any `json:"parameters"`
}

// ChainConfig describes the configuration of the JSON-RPC chain client.
type ChainConfig struct {
	// RPCURL is the JSON-RPC endpoint of the node.
	RPCURL string `json:"rpcUrl"`

	// PrivateKey is an optional hex private key used to sign transactions locally. If empty, transactions are sent
	// with eth_sendTransaction and signed by the node.
	PrivateKey string `json:"privateKey,omitempty"`

	// MaxRetries describes how many times a request failing at the transport level is retried.
	MaxRetries int `json:"maxRetries"`

	// RequestTimeout describes the time in seconds a single JSON-RPC request may take.
	RequestTimeout int `json:"requestTimeout"`
}

// LoggingConfig describes the configuration options for logging to console and file
type LoggingConfig struct {
	// Level describes whether logs of certain severity levels (eg info, warning, etc.) will be emitted or discarded.
	Level zerolog.Level `json:"level"`

	// LogDirectory describes what directory log files should be outputted in. A non-empty value enables structured
	// logging to file.
	LogDirectory string `json:"logDirectory"`

	// NoColor indicates whether console output should be colored.
	NoColor bool `json:"noColor"`
}

// ReadProjectConfigFromFile reads a JSON-serialized ProjectConfig from a provided file path. Values missing from the
// file keep their defaults.
func ReadProjectConfigFromFile(path string) (*ProjectConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	projectConfig := GetDefaultProjectConfig()
	if err = json.Unmarshal(b, projectConfig); err != nil {
		return nil, errors.WithStack(err)
	}
	return projectConfig, nil
}

// WriteToFile writes the ProjectConfig to a provided file path in a JSON-serialized format.
func (p *ProjectConfig) WriteToFile(path string) error {
	b, err := json.MarshalIndent(p, "", "\t")
	if err != nil {
		return errors.WithStack(err)
	}
	return utils.WriteFileAtomic(path, b, 0644)
}

// ApplyEnvironment loads the given .env files, if they exist, and overrides chain settings with the KEEL_*
// environment variables.
func (p *ProjectConfig) ApplyEnvironment(envFiles ...string) error {
	existing := utils.SliceWhere(envFiles, utils.FileExists)
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return errors.WithStack(err)
		}
	}
	if url, ok := os.LookupEnv(EnvRPCURL); ok && url != "" {
		p.Chain.RPCURL = url
	}
	if key, ok := os.LookupEnv(EnvPrivateKey); ok && key != "" {
		p.Chain.PrivateKey = key
	}
	return nil
}

// Validate validates that the ProjectConfig meets certain requirements.
// Returns an error if one occurs.
func (p *ProjectConfig) Validate() error {
	d := p.Deployment
	if d.DeploymentsDirectory == "" {
		return errors.Errorf("deployments directory must be set")
	}
	if d.Strategy != StrategyBasic && d.Strategy != StrategyCreate2 {
		return errors.Errorf("unknown execution strategy %q, expected %q or %q", d.Strategy, StrategyBasic, StrategyCreate2)
	}
	if d.Strategy == StrategyCreate2 {
		salt, err := hexutil.Decode(d.Create2Salt)
		if err != nil || len(salt) != 32 {
			return errors.Errorf("create2 salt must be a 32-byte hex string")
		}
	}
	if d.DefaultSender != "" {
		if _, err := utils.HexStringToAddress(d.DefaultSender); err != nil {
			return errors.Errorf("malformed default sender address")
		}
	}
	if d.RequiredConfirmations == 0 {
		return errors.Errorf("required confirmations must be a positive number")
	}
	if d.BlockPollingInterval <= 0 {
		return errors.Errorf("block polling interval must be a positive number")
	}
	if d.TimeBeforeBumpingFees <= 0 {
		return errors.Errorf("time before bumping fees must be a positive number")
	}
	if d.MaxFeeBumps < 0 {
		return errors.Errorf("max fee bumps cannot be negative")
	}
	if d.FeeBumpPercentage == 0 {
		return errors.Errorf("fee bump percentage must be a positive number")
	}
	if d.DroppedTransactionGracePeriod < 0 {
		return errors.Errorf("dropped transaction grace period cannot be negative")
	}
	if d.GasPrice != nil && d.MaxPriorityFeePerGas != nil {
		return errors.Errorf("gas price and max priority fee per gas are mutually exclusive")
	}
	if p.Chain.MaxRetries < 0 {
		return errors.Errorf("max retries cannot be negative")
	}
	if p.Chain.PrivateKey != "" && len(strings.TrimPrefix(p.Chain.PrivateKey, "0x")) != 64 {
		return errors.Errorf("private key must be a 32-byte hex string")
	}
	return nil
}

// PollingInterval returns BlockPollingInterval as a time.Duration.
func (d *DeploymentConfig) PollingInterval() time.Duration {
	return time.Duration(d.BlockPollingInterval) * time.Millisecond
}

// BumpDelay returns TimeBeforeBumpingFees as a time.Duration.
func (d *DeploymentConfig) BumpDelay() time.Duration {
	return time.Duration(d.TimeBeforeBumpingFees) * time.Millisecond
}

// DropGracePeriod returns DroppedTransactionGracePeriod as a time.Duration.
func (d *DeploymentConfig) DropGracePeriod() time.Duration {
	return time.Duration(d.DroppedTransactionGracePeriod) * time.Millisecond
}

// Salt returns the decoded create2 salt, or nil if the basic strategy is used.
func (d *DeploymentConfig) Salt() []byte {
	if d.Strategy != StrategyCreate2 {
		return nil
	}
	salt, _ := hexutil.Decode(d.Create2Salt)
	return salt
}
