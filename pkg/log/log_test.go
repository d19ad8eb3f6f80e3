package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCreateLoggerWithLumberjackErrors(t *testing.T) {
	logger := CreateLoggerWithLumberjack("/nonexistent/directory/test.log", 1, zapcore.InfoLevel)
	require.NotNil(t, logger)

	assert.NotPanics(t, func() {
		logger.Info("test message")
	})
}

func TestCreateLoggerWithLumberjackBasic(t *testing.T) {
	tmpDir := t.TempDir()

	logFile := filepath.Join(tmpDir, "test.log")
	maxSize := 5

	logger := CreateLoggerWithLumberjack(logFile, maxSize, zapcore.InfoLevel)
	require.NotNil(t, logger)

	testMsg := "test message"
	logger.Info(testMsg)
	_ = logger.Sync()

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), testMsg)
}

func TestInitReplacesLogger(t *testing.T) {
	original := Logger
	defer func() { Logger = original }()

	replacement := zap.NewNop().Sugar()
	Init(replacement)
	assert.Same(t, replacement, Logger)

	Init(nil)
	assert.Same(t, replacement, Logger)
}
