package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phaseline/internal/logging"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("info", "json", &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("version approved", zap.String("version_id", "v-1"))
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "version approved", entry["msg"])
	assert.Equal(t, "v-1", entry["version_id"])
	assert.Contains(t, entry, "ts")
}

func TestInvalidSettings(t *testing.T) {
	_, err := logging.New("loud", "json", nil)
	assert.Error(t, err)
	_, err = logging.New("info", "xml", nil)
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, logging.OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, logging.OrNop(l))
}
