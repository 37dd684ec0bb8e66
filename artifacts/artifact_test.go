package artifacts

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metadataHex builds a solc-style ipfs metadata trailer whose hash bytes are all set to fill.
func metadataHex(fill byte) string {
	hash := strings.Repeat(hex.EncodeToString([]byte{fill}), 32)
	return "a2646970667358221220" + hash + "64736f6c6343000818" + "0033"
}

// newTestArtifact builds an artifact with the given creation bytecode and a constructor taking a uint256.
func newTestArtifact(t *testing.T, name string, bytecode string) *Artifact {
	raw, err := json.Marshal(map[string]any{
		"_format":      "hh-sol-artifact-1",
		"contractName": name,
		"sourceName":   "contracts/" + name + ".sol",
		"abi": []any{
			map[string]any{"type": "constructor", "stateMutability": "nonpayable", "inputs": []any{
				map[string]any{"name": "x", "type": "uint256", "internalType": "uint256"},
			}},
		},
		"bytecode": bytecode,
	})
	require.NoError(t, err)
	artifact, err := ParseArtifact(raw)
	require.NoError(t, err)
	return artifact
}

// TestBytecodeHashIgnoresMetadata verifies that only a metadata change keeps the bytecode hash stable.
func TestBytecodeHashIgnoresMetadata(t *testing.T) {
	a := newTestArtifact(t, "Foo", "0x6080604052"+metadataHex(0x11))
	b := newTestArtifact(t, "Foo", "0x6080604052"+metadataHex(0x22))
	c := newTestArtifact(t, "Foo", "0x6080604053"+metadataHex(0x11))

	hashA, err := a.BytecodeHash()
	require.NoError(t, err)
	hashB, err := b.BytecodeHash()
	require.NoError(t, err)
	hashC, err := c.BytecodeHash()
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.NotEqual(t, hashA, hashC)
}

// TestExtractContractMetadata decodes the CBOR trailer and strips it.
func TestExtractContractMetadata(t *testing.T) {
	code, err := hex.DecodeString("6080604052" + metadataHex(0x11))
	require.NoError(t, err)

	metadata := ExtractContractMetadata(code)
	require.NotNil(t, metadata)
	assert.Equal(t, "0.8.24", metadata.CompilerVersion())
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, RemoveContractMetadata(code))

	// Bytecode without metadata is returned unchanged
	plain := []byte{0x60, 0x80, 0x60, 0x40}
	assert.Nil(t, ExtractContractMetadata(plain))
	assert.Equal(t, plain, RemoveContractMetadata(plain))
}

// TestLinkWithLinkReferences links a library address at the offsets given by the artifact.
func TestLinkWithLinkReferences(t *testing.T) {
	placeholder := "__$" + LibraryPlaceholder("contracts/Lib.sol:Lib") + "$__"
	artifact := newTestArtifact(t, "UsesLib", "0x73"+placeholder+"5f")
	artifact.LinkReferences = map[string]map[string][]LinkReference{
		"contracts/Lib.sol": {"Lib": {{Start: 1, Length: 20}}},
	}
	assert.Equal(t, []string{"contracts/Lib.sol:Lib"}, artifact.RequiredLibraries())

	library := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	linked, err := artifact.Link(map[string]common.Address{"Lib": library})
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{0x73}, library.Bytes()...), 0x5f), linked)

	// Fully qualified keys work as well
	_, err = artifact.Link(map[string]common.Address{"contracts/Lib.sol:Lib": library})
	require.NoError(t, err)

	// Missing and superfluous libraries are rejected
	_, err = artifact.Link(map[string]common.Address{})
	assert.Error(t, err)
	_, err = artifact.Link(map[string]common.Address{"Lib": library, "Other": library})
	assert.Error(t, err)
}

// TestLinkWithPlaceholdersOnly links an artifact which carries no link references.
func TestLinkWithPlaceholdersOnly(t *testing.T) {
	placeholder := "__$" + LibraryPlaceholder("contracts/Lib.sol:Lib") + "$__"
	artifact := newTestArtifact(t, "UsesLib", "0x73"+placeholder)
	library := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	linked, err := artifact.Link(map[string]common.Address{"contracts/Lib.sol:Lib": library})
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x73}, library.Bytes()...), linked)

	_, err = artifact.Link(nil)
	assert.ErrorContains(t, err, "unlinked library placeholder")
}

// TestDeploymentData appends ABI-encoded constructor arguments to the bytecode.
func TestDeploymentData(t *testing.T) {
	artifact := newTestArtifact(t, "Foo", "0x6080")
	linked, err := artifact.Link(nil)
	require.NoError(t, err)

	data, err := artifact.DeploymentData(linked, []any{common.Big2})
	require.NoError(t, err)
	require.Len(t, data, 2+32)
	assert.Equal(t, byte(2), data[len(data)-1])

	_, err = artifact.DeploymentData(linked, []any{"not a number"})
	assert.Error(t, err)
}

// TestDirectoryResolver resolves artifacts by bare and by fully qualified name.
func TestDirectoryResolver(t *testing.T) {
	root := t.TempDir()
	write := func(source, name string) {
		dir := filepath.Join(root, source)
		require.NoError(t, os.MkdirAll(dir, 0755))
		raw, err := json.Marshal(map[string]any{"contractName": name, "sourceName": source, "abi": []any{}, "bytecode": "0x00"})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), raw, 0644))
	}
	write("contracts/Foo.sol", "Foo")
	write("contracts/a/Dup.sol", "Dup")
	write("contracts/b/Dup.sol", "Dup")

	resolver := NewDirectoryResolver(root)

	foo, err := resolver.LoadArtifact("Foo")
	require.NoError(t, err)
	assert.Equal(t, "contracts/Foo.sol:Foo", foo.FullyQualifiedName())

	_, err = resolver.LoadArtifact("Dup")
	assert.ErrorContains(t, err, "fully qualified")

	dup, err := resolver.LoadArtifact("contracts/b/Dup.sol:Dup")
	require.NoError(t, err)
	assert.Equal(t, "contracts/b/Dup.sol", dup.SourceName)

	_, err = resolver.LoadArtifact("Missing")
	assert.Error(t, err)
}
