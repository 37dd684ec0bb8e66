package testchain

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/crytic/keel/artifacts"
	"github.com/ethereum/go-ethereum/crypto"
)

// NewArtifact builds an artifact for a contract named name with the given JSON ABI. Its creation bytecode is derived
// from the name, so artifacts with different names never match each other's deployments. Every library listed, by
// name, gets a link reference in contracts/<library>.sol.
func NewArtifact(name string, abiJSON string, libraries ...string) *artifacts.Artifact {
	code := "6080604052" + hex.EncodeToString(crypto.Keccak256([]byte(name)))
	linkReferences := make(map[string]map[string][]artifacts.LinkReference)
	for _, library := range libraries {
		source := "contracts/" + library + ".sol"
		linkReferences[source] = map[string][]artifacts.LinkReference{
			library: {{Start: len(code) / 2, Length: 20}},
		}
		code += "__$" + artifacts.LibraryPlaceholder(source+":"+library) + "$__"
	}
	code += "5b00"

	if strings.TrimSpace(abiJSON) == "" {
		abiJSON = "[]"
	}
	raw, err := json.Marshal(map[string]any{
		"_format":        "hh-sol-artifact-1",
		"contractName":   name,
		"sourceName":     "contracts/" + name + ".sol",
		"abi":            json.RawMessage(abiJSON),
		"bytecode":       "0x" + code,
		"linkReferences": linkReferences,
	})
	if err != nil {
		panic(err)
	}
	artifact, err := artifacts.ParseArtifact(raw)
	if err != nil {
		panic(err)
	}
	return artifact
}

// StaticResolver resolves artifacts from memory. It implements artifacts.Resolver.
type StaticResolver map[string]*artifacts.Artifact

// LoadArtifact implements artifacts.Resolver.
func (r StaticResolver) LoadArtifact(contractName string) (*artifacts.Artifact, error) {
	if artifact, ok := r[contractName]; ok {
		return artifact, nil
	}
	return nil, &UnknownArtifactError{ContractName: contractName}
}

// UnknownArtifactError is returned by StaticResolver for contracts it does not hold.
type UnknownArtifactError struct {
	ContractName string
}

// Error implements error.
func (e *UnknownArtifactError) Error() string {
	return "no artifact found for " + e.ContractName
}
