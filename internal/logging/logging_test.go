package logging_test

import (
	"testing"

	"github.com/portrelay/portrelay/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_DefaultConfig(t *testing.T) {
	logger := logging.Configure(logging.Config{Level: "INFO"})
	require.NotNil(t, logger, "Configure should return a logger")
}

func TestConfigure_AllLogLevels(t *testing.T) {
	levels := []string{"DEBUG", "INFO", "WARN", "WARNING", "ERROR", "invalid", ""}

	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			logger := logging.Configure(logging.Config{Level: level})
			assert.NotNil(t, logger)
		})
	}
}

func TestConfigure_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", "console", ""} {
		t.Run(format, func(t *testing.T) {
			logger := logging.Configure(logging.Config{Level: "INFO", Format: format})
			assert.NotNil(t, logger)
		})
	}
}

func TestConfigure_WithExtraFieldsAndPID(t *testing.T) {
	logger := logging.Configure(logging.Config{
		Level:      "INFO",
		IncludePID: true,
		ExtraFields: map[string]string{
			"app": "portrelay",
		},
	})
	assert.NotNil(t, logger)
}
