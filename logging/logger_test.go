package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/crytic/keel/logging/colors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAddAndRemoveWriter will test to Logger.AddWriter and Logger.RemoveWriter functions to ensure that they work as expected.
func TestAddAndRemoveWriter(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel)

	// Add one writer for each output format
	logger.AddWriter(os.Stdout, UNSTRUCTURED, true)
	logger.AddWriter(os.Stderr, UNSTRUCTURED, false)
	logger.AddWriter(os.Stdin, STRUCTURED, false)

	assert.Len(t, logger.unstructuredColorWriters, 1)
	assert.Len(t, logger.unstructuredWriters, 1)
	assert.Len(t, logger.structuredWriters, 1)

	// Duplicate writers are ignored
	logger.AddWriter(os.Stdout, UNSTRUCTURED, true)
	logger.AddWriter(os.Stderr, UNSTRUCTURED, false)
	logger.AddWriter(os.Stdin, STRUCTURED, false)

	assert.Len(t, logger.unstructuredColorWriters, 1)
	assert.Len(t, logger.unstructuredWriters, 1)
	assert.Len(t, logger.structuredWriters, 1)

	logger.RemoveWriter(os.Stdout, UNSTRUCTURED, true)
	logger.RemoveWriter(os.Stderr, UNSTRUCTURED, false)
	logger.RemoveWriter(os.Stdin, STRUCTURED, false)

	assert.Len(t, logger.unstructuredColorWriters, 0)
	assert.Len(t, logger.unstructuredWriters, 0)
	assert.Len(t, logger.structuredWriters, 0)
}

// TestDisabledColors verifies that the colored unstructured writer does not output ANSI codes once colors are
// disabled.
func TestDisabledColors(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel)

	var buf bytes.Buffer
	logger.AddWriter(&buf, UNSTRUCTURED, true)

	colors.DisableColor()
	defer colors.EnableColor()
	logger.Info(colors.GreenBold, "foo")

	prefix := fmt.Sprintf("%s %s", colors.LEFT_ARROW, "foo")
	assert.True(t, strings.HasPrefix(buf.String(), prefix), "unexpected output %q", buf.String())
}

// TestStructuredOutput verifies that sub-logger context, errors and structured log info reach structured writers.
func TestStructuredOutput(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel)
	var buf bytes.Buffer
	logger.AddWriter(&buf, STRUCTURED, false)

	sub := logger.NewSubLogger("module", ENGINE_SERVICE)
	sub.Warn("nonce ", 3, " rejected", errors.New("boom"), StructuredLogInfo{"sender": "0x01"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, ENGINE_SERVICE, entry["module"])
	assert.Equal(t, "nonce 3 rejected", entry["message"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, map[string]any{"sender": "0x01"}, entry["info"])
}

// TestLevelFiltering verifies that events below the logger level are dropped.
func TestLevelFiltering(t *testing.T) {
	logger := NewLogger(zerolog.WarnLevel)
	var buf bytes.Buffer
	logger.AddWriter(&buf, UNSTRUCTURED, false)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(zerolog.InfoLevel)
	logger.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}
