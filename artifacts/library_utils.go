package artifacts

import (
	"encoding/hex"
	"regexp"

	"github.com/ethereum/go-ethereum/crypto"
)

// placeholderPattern matches library placeholders in unlinked bytecode. Both the "__$<hash>$__" form and the legacy
// "__<name>___..." form span the 40 hex characters of the address they stand for, and hex never contains "_".
var placeholderPattern = regexp.MustCompile(`__.{36}__`)

// LibraryPlaceholder returns the 34 hex character placeholder solc uses for a fully qualified library name: the first
// 17 bytes of its keccak256 hash.
func LibraryPlaceholder(fullyQualifiedName string) string {
	hash := crypto.Keccak256([]byte(fullyQualifiedName))
	return hex.EncodeToString(hash)[:34]
}
