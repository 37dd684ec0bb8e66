package artifacts

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// LinkReference describes the position of a library address within bytecode, in bytes.
type LinkReference struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// Artifact describes a compiled contract in the Hardhat artifact format: its ABI and its unlinked creation
// bytecode, along with the positions at which library addresses must be inserted.
type Artifact struct {
	// Format is the artifact format identifier, such as "hh-sol-artifact-1".
	Format string `json:"_format,omitempty"`

	// ContractName is the name of the contract.
	ContractName string `json:"contractName"`

	// SourceName is the path of the source file the contract was declared in.
	SourceName string `json:"sourceName"`

	// RawAbi is the JSON ABI definition, kept as-is so the artifact can be re-serialized.
	RawAbi json.RawMessage `json:"abi"`

	// Bytecode is the hex-encoded creation bytecode. It may contain library placeholders and is therefore kept as a
	// string until linked.
	Bytecode string `json:"bytecode"`

	// DeployedBytecode is the hex-encoded runtime bytecode.
	DeployedBytecode string `json:"deployedBytecode,omitempty"`

	// LinkReferences maps source names to library names to the positions of their addresses in Bytecode.
	LinkReferences map[string]map[string][]LinkReference `json:"linkReferences,omitempty"`

	// Abi is the parsed form of RawAbi.
	Abi abi.ABI `json:"-"`
}

// ParseArtifact parses a JSON artifact and its ABI.
func ParseArtifact(data []byte) (*Artifact, error) {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, errors.WithStack(err)
	}
	if artifact.ContractName == "" {
		return nil, errors.Errorf("artifact has no contract name")
	}
	if err := artifact.parseAbi(); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// parseAbi populates Abi from RawAbi.
func (a *Artifact) parseAbi() error {
	if len(a.RawAbi) == 0 {
		a.RawAbi = json.RawMessage("[]")
	}
	parsed, err := abi.JSON(bytes.NewReader(a.RawAbi))
	if err != nil {
		return errors.Wrapf(err, "could not parse the ABI of %s", a.ContractName)
	}
	a.Abi = parsed
	return nil
}

// FullyQualifiedName returns "sourceName:contractName", or the bare contract name if the source name is unknown.
func (a *Artifact) FullyQualifiedName() string {
	if a.SourceName == "" {
		return a.ContractName
	}
	return a.SourceName + ":" + a.ContractName
}

// RequiredLibraries returns the fully qualified names of the libraries that must be linked, in sorted order.
func (a *Artifact) RequiredLibraries() []string {
	names := make([]string, 0)
	for source, libraries := range a.LinkReferences {
		for name := range libraries {
			names = append(names, source+":"+name)
		}
	}
	sort.Strings(names)
	return names
}

// Link inserts the given library addresses into the creation bytecode and returns it decoded. Libraries may be keyed
// by bare name or by fully qualified name. Every required library must be provided exactly once, and no library the
// bytecode does not reference may be provided.
func (a *Artifact) Link(libraries map[string]common.Address) ([]byte, error) {
	code := strings.TrimPrefix(a.Bytecode, "0x")
	required := a.RequiredLibraries()

	used := make(map[string]bool, len(libraries))
	for _, fqn := range required {
		address, key, err := lookupLibrary(fqn, libraries)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot link %s", a.ContractName)
		}
		used[key] = true

		source, name, _ := strings.Cut(fqn, ":")
		addressHex := hex.EncodeToString(address.Bytes())
		for _, ref := range a.LinkReferences[source][name] {
			start, end := ref.Start*2, (ref.Start+ref.Length)*2
			if ref.Length != common.AddressLength || end > len(code) {
				return nil, errors.Errorf("invalid link reference for %s in %s", fqn, a.ContractName)
			}
			code = code[:start] + addressHex + code[end:]
		}
	}
	// Artifacts without link references may still carry "__$<hash>$__" placeholders derived from the library names.
	for key, address := range libraries {
		placeholder := "__$" + LibraryPlaceholder(key) + "$__"
		if !used[key] && strings.Contains(code, placeholder) {
			code = strings.ReplaceAll(code, placeholder, hex.EncodeToString(address.Bytes()))
			used[key] = true
		}
	}
	for key := range libraries {
		if !used[key] {
			return nil, errors.Errorf("library %s is not needed by %s", key, a.ContractName)
		}
	}

	if placeholder := placeholderPattern.FindString(code); placeholder != "" {
		return nil, errors.Errorf("%s contains the unlinked library placeholder %s", a.ContractName, placeholder)
	}
	linked, err := hex.DecodeString(code)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid bytecode for %s", a.ContractName)
	}
	return linked, nil
}

// DeploymentData returns the creation data for the linked bytecode and the given constructor arguments, which must
// already have their ABI types.
func (a *Artifact) DeploymentData(linkedBytecode []byte, args []any) ([]byte, error) {
	encodedArgs, err := a.Abi.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("could not encode the constructor arguments of %s: %w", a.ContractName, err)
	}
	return append(append([]byte{}, linkedBytecode...), encodedArgs...), nil
}

// BytecodeHash returns the keccak256 hash of the unlinked creation bytecode with its library placeholders zeroed and
// its trailing CBOR metadata removed. Recompiling an unchanged contract with a different metadata hash (for example a
// comment edit) therefore keeps the same hash.
func (a *Artifact) BytecodeHash() (common.Hash, error) {
	code := placeholderPattern.ReplaceAllString(strings.TrimPrefix(a.Bytecode, "0x"), strings.Repeat("0", 40))
	decoded, err := hex.DecodeString(code)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "invalid bytecode for %s", a.ContractName)
	}
	return crypto.Keccak256Hash(RemoveContractMetadata(decoded)), nil
}

// lookupLibrary finds the address for the fully qualified library name, accepting the bare name as a key too.
func lookupLibrary(fqn string, libraries map[string]common.Address) (common.Address, string, error) {
	if address, ok := libraries[fqn]; ok {
		return address, fqn, nil
	}
	_, name, _ := strings.Cut(fqn, ":")
	if address, ok := libraries[name]; ok {
		return address, name, nil
	}
	return common.Address{}, "", errors.Errorf("missing library %s", fqn)
}
