package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHexStringToAddress checks prefixed, unprefixed and malformed inputs.
func TestHexStringToAddress(t *testing.T) {
	expected := common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")

	address, err := HexStringToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")
	require.NoError(t, err)
	assert.Equal(t, expected, address)

	address, err = HexStringToAddress("4e59b44847b379578588920ca78fbf26c0b4956c")
	require.NoError(t, err)
	assert.Equal(t, expected, address)

	_, err = HexStringToAddress("0x1234")
	assert.Error(t, err)
	_, err = HexStringToAddress("0xzz59b44847b379578588920cA78FbF26c0B4956C")
	assert.Error(t, err)
}

// TestWriteFileAtomic ensures the file lands with the expected content and no temporary files remain.
func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.True(t, FileExists(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestSliceWhere filters a slice by a predicate.
func TestSliceWhere(t *testing.T) {
	values := []int{1, 2, 3, 4}
	assert.Equal(t, []int{2, 4}, SliceWhere(values, func(x int) bool { return x%2 == 0 }))
	assert.Empty(t, SliceWhere(values, func(x int) bool { return x > 4 }))
}
