package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromEnv(t *testing.T) {
	cases := []struct {
		raw   string
		level zapcore.Level
		set   bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"warn", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"", zapcore.InfoLevel, false},
		{"verbose", zapcore.InfoLevel, false},
	}
	for _, tc := range cases {
		t.Run("level "+tc.raw, func(t *testing.T) {
			t.Setenv("ORC_LOG_LEVEL", tc.raw)
			lvl, ok := levelFromEnv()
			assert.Equal(t, tc.level, lvl)
			assert.Equal(t, tc.set, ok)
		})
	}
}

func TestForItem(t *testing.T) {
	assert.NotNil(t, ForItem("item-1", "inv_work_1"))
	assert.NotNil(t, ForItem("item-1", ""))
}
