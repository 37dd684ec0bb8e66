package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/crytic/keel/chain/testchain"
	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fooAbi = `[{"type":"function","name":"x","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}]`

func TestOpenCreatesLayout(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "deployments"))
	assert.False(t, s.Exists("chain-31337"))

	d, err := s.Open("chain-31337")
	require.NoError(t, err)
	require.NoError(t, d.Journal.Record(&journal.DeploymentInitialize{ChainID: 31337}))
	require.NoError(t, d.Close())

	assert.FileExists(t, filepath.Join(s.Root(), "chain-31337", JournalFileName))
	assert.FileExists(t, filepath.Join(s.Root(), "chain-31337", ArtifactsFileName))
	assert.True(t, s.Exists("chain-31337"))
	assert.Equal(t, s.JournalPath("chain-31337"), d.Journal.Path())
}

func TestOpenRejectsInvalidIDs(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, id := range []string{"", "..", "a/b", "-flag"} {
		_, err := s.Open(id)
		assert.Error(t, err, id)
	}
}

func TestListDeployments(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	for _, id := range []string{"sepolia", "chain-1"} {
		d, err := s.Open(id)
		require.NoError(t, err)
		require.NoError(t, d.Close())
	}
	// Directories without a journal are not deployments
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0755))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"chain-1", "sepolia"}, ids)

	ids, err = ListDeployments(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestArtifactCache(t *testing.T) {
	s := NewStore(t.TempDir())
	d, err := s.Open("local")
	require.NoError(t, err)

	artifact := testchain.NewArtifact("Foo", fooAbi)
	require.NoError(t, d.Artifacts.SaveArtifact("Module#Foo", artifact))

	missing, err := d.Artifacts.LoadArtifact("Module#Bar")
	require.NoError(t, err)
	assert.Nil(t, missing)
	require.NoError(t, d.Close())

	// Artifacts survive reopening the deployment
	d, err = s.Open("local")
	require.NoError(t, err)
	defer d.Close()

	loaded, err := d.Artifacts.LoadArtifact("Module#Foo")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, artifact.ContractName, loaded.ContractName)
	assert.Equal(t, artifact.Bytecode, loaded.Bytecode)
	assert.Contains(t, loaded.Abi.Methods, "x")

	ids, err := d.Artifacts.FutureIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"Module#Foo"}, ids)

	require.NoError(t, d.Artifacts.DeleteArtifact("Module#Foo"))
	ids, err = d.Artifacts.FutureIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestOpenIsExclusive(t *testing.T) {
	s := NewStore(t.TempDir())
	d, err := s.Open("local")
	require.NoError(t, err)
	defer d.Close()

	_, err = s.Open("local")
	assert.ErrorContains(t, err, "in use by another process")
}

func TestWriteDeployedAddresses(t *testing.T) {
	foo := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	hash := common.HexToHash("0x01")
	messages := []journal.Message{
		&journal.DeploymentInitialize{ChainID: 31337},
		&journal.RunStart{RunID: "run"},
		&journal.ExecutionStateInitialize{FutureID: "M#Foo", FutureType: "CONTRACT_DEPLOYMENT", Strategy: "basic"},
		&journal.ExecutionSuccess{FutureID: "M#Foo", Result: journal.Result{Address: &foo, TransactionHash: &hash}},
		&journal.ExecutionStateInitialize{FutureID: "M#Foo.x", FutureType: "STATIC_CALL", Strategy: "basic"},
		&journal.ExecutionSuccess{FutureID: "M#Foo.x", Result: journal.Result{Value: json.RawMessage(`"1"`)}},
		&journal.ExecutionStateInitialize{FutureID: "M#Bar", FutureType: "CONTRACT_DEPLOYMENT", Strategy: "basic"},
		&journal.ExecutionFailed{FutureID: "M#Bar", Reason: "simulation failed"},
	}
	current := state.New()
	for _, message := range messages {
		var err error
		current, err = state.Reduce(current, message)
		require.NoError(t, err)
	}

	s := NewStore(t.TempDir())
	d, err := s.Open("local")
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.WriteDeployedAddresses(current))

	b, err := os.ReadFile(filepath.Join(d.Dir, DeployedAddressesFileName))
	require.NoError(t, err)
	var addresses map[string]common.Address
	require.NoError(t, json.Unmarshal(b, &addresses))
	assert.Equal(t, map[string]common.Address{"M#Foo": foo}, addresses)
}
