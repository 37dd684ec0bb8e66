package artifacts

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor"
)

// ContractMetadata is an CBOR-encoded structure describing contract information which is embedded within smart contract
// bytecode by the Solidity compiler (unless explicitly directed not to).
// Reference: https://docs.soliditylang.org/en/v0.8.16/metadata.html
type ContractMetadata map[string]any

// metadataHashPrefixes defines the leading bytes of the CBOR-encoded contract metadata appended to bytecode.
var metadataHashPrefixes = [][]byte{
	{0xa1, 0x65, 98, 122, 122, 114, 48, 0x58, 0x20},  // a1 65 "bzzr0" 0x58 0x20 (solc <= 0.5.8)
	{0xa2, 0x65, 98, 122, 122, 114, 48, 0x58, 0x20},  // a2 65 "bzzr0" 0x58 0x20 (solc >= 0.5.9)
	{0xa2, 0x65, 98, 122, 122, 114, 49, 0x58, 0x20},  // a2 65 "bzzr1" 0x58 0x20 (solc >= 0.5.11)
	{0xa2, 0x64, 0x69, 0x70, 0x66, 0x73, 0x58, 0x22}, // a2 64 "ipfs" 0x58 0x22 (solc >= 0.6.0)
}

// metadataSpan locates the CBOR metadata at the end of the bytecode, using the two-byte big-endian length suffix
// solc appends after it. Returns the offset of the metadata and whether it was found.
func metadataSpan(bytecode []byte) (int, bool) {
	if len(bytecode) < 2 {
		return 0, false
	}
	length := int(binary.BigEndian.Uint16(bytecode[len(bytecode)-2:]))
	offset := len(bytecode) - 2 - length
	if length == 0 || offset < 0 {
		return 0, false
	}
	for _, prefix := range metadataHashPrefixes {
		if bytes.HasPrefix(bytecode[offset:], prefix) {
			return offset, true
		}
	}
	return 0, false
}

// ExtractContractMetadata extracts contract metadata from provided byte code and returns it. If contract metadata
// could not be extracted, nil is returned.
func ExtractContractMetadata(bytecode []byte) ContractMetadata {
	offset, ok := metadataSpan(bytecode)
	if !ok {
		return nil
	}
	var metadata ContractMetadata
	if err := cbor.Unmarshal(bytecode[offset:len(bytecode)-2], &metadata); err != nil {
		return nil
	}
	return metadata
}

// RemoveContractMetadata returns the bytecode without its trailing contract metadata and length suffix. If no valid
// metadata is found, the bytecode is returned as-is.
func RemoveContractMetadata(bytecode []byte) []byte {
	if ExtractContractMetadata(bytecode) == nil {
		return bytecode
	}
	offset, _ := metadataSpan(bytecode)
	return bytecode[:offset]
}

// CompilerVersion returns the solc version recorded in the metadata, such as "0.8.24", or an empty string.
func (m ContractMetadata) CompilerVersion() string {
	version, ok := m["solc"].([]byte)
	if !ok || len(version) != 3 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", version[0], version[1], version[2])
}
