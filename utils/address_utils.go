package utils

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HexStringToAddress converts a hex string (with or without the "0x" prefix) to a common.Address. Unlike
// common.HexToAddress, malformed input is reported instead of silently truncated.
func HexStringToAddress(s string) (common.Address, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("invalid address %q: expected %d bytes, got %d", s, common.AddressLength, len(b))
	}
	return common.BytesToAddress(b), nil
}
