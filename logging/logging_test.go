package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	logging "github.com/textileio/go-log/v2"
)

func TestSetLogLevels(t *testing.T) {
	_ = logging.Logger("logging/test")

	require.NoError(t, SetLogLevels(map[string]logging.LogLevel{
		"logging/test": logging.LevelDebug,
	}))
	require.NoError(t, SetLogLevels(map[string]logging.LogLevel{
		"*": logging.LevelInfo,
	}))
	require.Error(t, SetLogLevels(map[string]logging.LogLevel{
		"logging/unknown-subsystem": logging.LevelInfo,
	}))
}
