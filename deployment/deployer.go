package deployment

import (
	"context"
	"errors"
	"fmt"

	"github.com/crytic/keel/artifacts"
	"github.com/crytic/keel/chain"
	"github.com/crytic/keel/deployment/config"
	"github.com/crytic/keel/deployment/execution"
	"github.com/crytic/keel/deployment/futures"
	"github.com/crytic/keel/deployment/interaction"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/deployment/store"
	"github.com/crytic/keel/events"
	"github.com/crytic/keel/logging"
	"github.com/crytic/keel/utils"
	"github.com/ethereum/go-ethereum/common"
)

// Deployer runs modules against a chain according to a project configuration. Each deployment is kept in its own
// directory of the deployments directory, so a run that stopped for any reason resumes on the next call to Deploy.
type Deployer struct {
	// config describes the project configuration the Deployer runs with.
	config config.ProjectConfig

	// client is the chain the modules are deployed to.
	client chain.Client

	// artifacts provides the artifacts of the contracts referenced by modules.
	artifacts artifacts.Resolver

	// clock paces polling and fee bumps. Nil means the system clock.
	clock interaction.Clock

	// store holds the journal and artifact cache of each deployment.
	store *store.Store

	// logger describes the Deployer's log object that can be used to log important events
	logger *logging.Logger

	// Events describes the event system of every engine created by the Deployer. Handlers subscribed before Deploy
	// observe its run.
	Events execution.Events
}

// NewDeployer returns an instance of a new Deployer provided a project configuration, or an error if the configuration
// is invalid. A nil clock uses the system clock.
func NewDeployer(projectConfig config.ProjectConfig, client chain.Client, artifactResolver artifacts.Resolver, clock interaction.Clock) (*Deployer, error) {
	if err := projectConfig.Validate(); err != nil {
		return nil, err
	}
	return &Deployer{
		config:    projectConfig,
		client:    client,
		artifacts: artifactResolver,
		clock:     clock,
		store:     store.NewStore(projectConfig.Deployment.DeploymentsDirectory),
		logger:    logging.GlobalLogger.NewSubLogger("module", logging.ENGINE_SERVICE),
	}, nil
}

// Store returns the store holding the deployments of the Deployer.
func (d *Deployer) Store() *store.Store {
	return d.store
}

// DeploymentID returns the id of the deployment Deploy runs: the configured id, or "chain-<chainId>".
func (d *Deployer) DeploymentID(ctx context.Context) (string, error) {
	if d.config.Deployment.DeploymentID != "" {
		return d.config.Deployment.DeploymentID, nil
	}
	chainID, err := d.client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("could not get the chain id: %w", err)
	}
	return fmt.Sprintf("chain-%s", chainID), nil
}

// EngineConfig converts the deployment section of the project configuration into an engine configuration.
func EngineConfig(deploymentConfig config.DeploymentConfig) (execution.Config, error) {
	engineConfig := execution.Config{
		Interaction: interaction.Config{
			RequiredConfirmations:         deploymentConfig.RequiredConfirmations,
			PollingInterval:               deploymentConfig.PollingInterval(),
			TimeBeforeBumpingFees:         deploymentConfig.BumpDelay(),
			MaxFeeBumps:                   deploymentConfig.MaxFeeBumps,
			DroppedTransactionGracePeriod: deploymentConfig.DropGracePeriod(),
			GasLimit:                      deploymentConfig.GasLimit,
			Fees: interaction.FeeConfig{
				MaxFeePerGasLimit:    deploymentConfig.MaxFeePerGasLimit.Int(),
				MaxPriorityFeePerGas: deploymentConfig.MaxPriorityFeePerGas.Int(),
				GasPrice:             deploymentConfig.GasPrice.Int(),
				BumpPercentage:       deploymentConfig.FeeBumpPercentage,
			},
		},
		Strategy:   deploymentConfig.Strategy,
		Salt:       deploymentConfig.Salt(),
		Parameters: deploymentConfig.Parameters,
	}
	if deploymentConfig.DefaultSender != "" {
		sender, err := utils.HexStringToAddress(deploymentConfig.DefaultSender)
		if err != nil {
			return execution.Config{}, err
		}
		engineConfig.DefaultSender = &sender
	}
	return engineConfig, nil
}

// Deploy validates a module and executes it in its deployment, creating the deployment on the first call. Once the
// run ends, the address of every deployed contract is exported to deployed_addresses.json. A run stopped by a fatal
// error still exports its addresses and returns its Result along with the error.
func (d *Deployer) Deploy(ctx context.Context, module *futures.Module) (*execution.Result, error) {
	graph, err := futures.NewGraph(module)
	if err != nil {
		return nil, err
	}
	engineConfig, err := EngineConfig(d.config.Deployment)
	if err != nil {
		return nil, err
	}
	id, err := d.DeploymentID(ctx)
	if err != nil {
		return nil, err
	}
	deployment, err := d.store.Open(id)
	if err != nil {
		return nil, err
	}
	defer deployment.Close()
	d.logger.Info("Using deployment ", id, " in ", deployment.Dir)

	engine := execution.NewEngine(d.client, deployment.Journal, d.artifacts, d.clock, engineConfig)
	d.forwardEvents(engine)
	engine.Events.FutureCompleted.Subscribe(func(event execution.FutureCompletedEvent) error {
		if event.Status != state.Success {
			return nil
		}
		return d.cacheArtifact(deployment, graph, event.FutureID)
	})

	result, err := engine.Execute(ctx, graph)
	if result == nil {
		return nil, err
	}
	if writeErr := deployment.WriteDeployedAddresses(result.State); writeErr != nil {
		return result, errors.Join(err, writeErr)
	}
	return result, err
}

// cacheArtifact stores the artifact of a successful contract future in the artifact cache of its deployment.
func (d *Deployer) cacheArtifact(deployment *store.Deployment, graph *futures.Graph, futureID string) error {
	future, ok := graph.Future(futureID)
	if !ok {
		return nil
	}
	var name string
	var artifact *artifacts.Artifact
	switch f := future.(type) {
	case *futures.ContractDeployment:
		name = f.ContractName
	case *futures.ArtifactContractDeployment:
		name, artifact = f.ContractName, f.Artifact
	case *futures.LibraryDeployment:
		name, artifact = f.ContractName, f.Artifact
	case *futures.ContractAt:
		name, artifact = f.ContractName, f.Artifact
	default:
		return nil
	}
	if artifact == nil {
		var err error
		if artifact, err = d.artifacts.LoadArtifact(name); err != nil {
			return fmt.Errorf("could not load the artifact of %s: %w", futureID, err)
		}
	}
	return deployment.Artifacts.SaveArtifact(futureID, artifact)
}

// forwardEvents publishes every event of an engine through the emitters of the Deployer.
func (d *Deployer) forwardEvents(engine *execution.Engine) {
	forward(&engine.Events.TransactionSent, &d.Events.TransactionSent)
	forward(&engine.Events.FeesBumped, &d.Events.FeesBumped)
	forward(&engine.Events.RunStarted, &d.Events.RunStarted)
	forward(&engine.Events.BatchStarted, &d.Events.BatchStarted)
	forward(&engine.Events.FutureStarted, &d.Events.FutureStarted)
	forward(&engine.Events.FutureCompleted, &d.Events.FutureCompleted)
	forward(&engine.Events.RunCompleted, &d.Events.RunCompleted)
}

func forward[T any](from *events.EventEmitter[T], to *events.EventEmitter[T]) {
	from.Subscribe(to.Publish)
}

// DeployedAddress returns the address a contract future of the deployment resolved to, if it succeeded.
func DeployedAddress(result *execution.Result, futureID string) (common.Address, bool) {
	r, ok := result.Results[futureID]
	if !ok || r.Address == nil {
		return common.Address{}, false
	}
	return *r.Address, true
}
