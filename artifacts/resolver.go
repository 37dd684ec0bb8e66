package artifacts

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Resolver provides the artifacts of the contracts referenced by a module.
type Resolver interface {
	// LoadArtifact returns the artifact of the contract with the given name, which may be a bare contract name or a
	// fully qualified "sourceName:contractName".
	LoadArtifact(contractName string) (*Artifact, error)
}

// DirectoryResolver resolves artifacts from a Hardhat-style artifacts directory, where the artifact of contract Foo
// declared in contracts/Foo.sol lives at <root>/contracts/Foo.sol/Foo.json. Loaded artifacts are cached.
type DirectoryResolver struct {
	root string

	cache     map[string]*Artifact
	cacheLock sync.Mutex
}

// NewDirectoryResolver creates a DirectoryResolver rooted at the given directory.
func NewDirectoryResolver(root string) *DirectoryResolver {
	return &DirectoryResolver{
		root:  root,
		cache: make(map[string]*Artifact),
	}
}

// LoadArtifact implements Resolver.
func (r *DirectoryResolver) LoadArtifact(contractName string) (*Artifact, error) {
	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()
	if artifact, ok := r.cache[contractName]; ok {
		return artifact, nil
	}

	path, err := r.locate(contractName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	artifact, err := ParseArtifact(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid artifact %s", path)
	}
	r.cache[contractName] = artifact
	return artifact, nil
}

// locate finds the artifact file of a contract.
func (r *DirectoryResolver) locate(contractName string) (string, error) {
	if source, name, qualified := strings.Cut(contractName, ":"); qualified {
		path := filepath.Join(r.root, filepath.FromSlash(source), name+".json")
		if _, err := os.Stat(path); err != nil {
			return "", errors.Errorf("artifact for %s not found at %s", contractName, path)
		}
		return path, nil
	}

	matches := make([]string, 0, 1)
	err := filepath.WalkDir(r.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Name() == contractName+".json" {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return "", errors.WithStack(err)
	}
	switch len(matches) {
	case 0:
		return "", errors.Errorf("artifact for %s not found in %s", contractName, r.root)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Errorf("multiple artifacts named %s found in %s, use a fully qualified name", contractName, r.root)
	}
}
