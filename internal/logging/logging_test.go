package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrTagsModule(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := Or(&base, "engine")
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"module":"engine"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestSetupWriterRejectsBadLevel(t *testing.T) {
	var buf bytes.Buffer
	err := SetupWriter(&buf, "loud", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestSetupWriterLevels(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	for _, level := range []string{"debug", "info", "warn", "error"} {
		var buf bytes.Buffer
		require.NoError(t, SetupWriter(&buf, level, false))
		want, _ := zerolog.ParseLevel(level)
		assert.Equal(t, want, zerolog.GlobalLevel(), level)
	}
}
