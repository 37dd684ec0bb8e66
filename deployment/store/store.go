package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/crytic/keel/deployment/journal"
	"github.com/crytic/keel/deployment/state"
	"github.com/crytic/keel/utils"
	"github.com/ethereum/go-ethereum/common"
	pkgerrors "github.com/pkg/errors"
)

// File names within the directory of a deployment.
const (
	JournalFileName           = "journal.jsonl"
	ArtifactsFileName         = "artifacts.db"
	DeployedAddressesFileName = "deployed_addresses.json"
)

// validID restricts deployment ids to names which are safe as a single path element.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store manages the deployments kept under a root directory, one sub-directory per deployment id.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the given directory. The directory is created when the first deployment is
// opened.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the directory holding the deployments.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of a deployment.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// JournalPath returns the path of the journal of a deployment.
func (s *Store) JournalPath(id string) string {
	return filepath.Join(s.Dir(id), JournalFileName)
}

// Exists returns whether a deployment with the given id has a journal.
func (s *Store) Exists(id string) bool {
	return utils.FileExists(s.JournalPath(id))
}

// List returns the ids of the deployments of the store.
func (s *Store) List() ([]string, error) {
	return ListDeployments(s.root)
}

// ListDeployments returns the ids of the deployments under root, sorted: every sub-directory holding a journal. A
// missing root holds no deployment.
func ListDeployments(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && utils.FileExists(filepath.Join(root, entry.Name(), JournalFileName)) {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Deployment is an opened deployment directory: its journal and its artifact cache. It must be closed.
type Deployment struct {
	// ID is the deployment id.
	ID string
	// Dir is the directory of the deployment.
	Dir string
	// Journal is the journal of the deployment.
	Journal *journal.FileJournal
	// Artifacts caches the artifacts of the contract futures of the deployment.
	Artifacts *ArtifactCache
}

// Open opens a deployment, creating its directory, journal and artifact cache if it does not exist.
func (s *Store) Open(id string) (*Deployment, error) {
	if !validID.MatchString(id) {
		return nil, pkgerrors.Errorf("invalid deployment id %q", id)
	}
	dir := s.Dir(id)
	if err := utils.MakeDirectory(dir); err != nil {
		return nil, err
	}

	// The cache is opened first as it holds the lock of the deployment
	cache, err := openArtifactCache(filepath.Join(dir, ArtifactsFileName))
	if err != nil {
		return nil, err
	}
	j, err := journal.OpenFileJournal(filepath.Join(dir, JournalFileName))
	if err != nil {
		cache.Close()
		return nil, err
	}
	return &Deployment{ID: id, Dir: dir, Journal: j, Artifacts: cache}, nil
}

// Close closes the journal and the artifact cache.
func (d *Deployment) Close() error {
	return errors.Join(d.Journal.Close(), d.Artifacts.Close())
}

// WriteDeployedAddresses writes the address of every successful contract future of a state to
// deployed_addresses.json, as a JSON object keyed by future id.
func (d *Deployment) WriteDeployedAddresses(current *state.DeploymentState) error {
	addresses := DeployedAddresses(current)
	b, err := json.MarshalIndent(addresses, "", "  ")
	if err != nil {
		return pkgerrors.WithStack(err)
	}
	return utils.WriteFileAtomic(filepath.Join(d.Dir, DeployedAddressesFileName), b, 0644)
}

// DeployedAddresses returns the address of every successful future whose result is an address.
func DeployedAddresses(current *state.DeploymentState) map[string]common.Address {
	addresses := make(map[string]common.Address)
	for _, id := range current.FutureIDs() {
		executionState := current.Get(id)
		if executionState.Status == state.Success && executionState.Result != nil && executionState.Result.Address != nil {
			addresses[id] = *executionState.Result.Address
		}
	}
	return addresses
}
