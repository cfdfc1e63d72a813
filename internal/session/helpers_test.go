package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}
