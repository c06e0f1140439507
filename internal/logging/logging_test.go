package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"":      zapcore.InfoLevel,
		"bogus": zapcore.InfoLevel,
	}
	for in, want := range cases {
		for _, format := range []string{"json", "console"} {
			logger, err := New(in, format, "rota-test")
			require.NoError(t, err)
			require.True(t, logger.Core().Enabled(want), "level %q format %s", in, format)
			if want > zapcore.DebugLevel {
				require.False(t, logger.Core().Enabled(want-1), "level %q format %s", in, format)
			}
		}
	}
}
