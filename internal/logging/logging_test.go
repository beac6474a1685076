package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want zapcore.Level
	}{
		{"production default", Config{Environment: EnvironmentProduction}, zapcore.InfoLevel},
		{"empty environment", Config{}, zapcore.InfoLevel},
		{"local default", Config{Environment: EnvironmentLocal}, zapcore.DebugLevel},
		{"explicit level", Config{Environment: EnvironmentDevelopment, Level: "warn"}, zapcore.WarnLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := New(tc.cfg)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.want))
			assert.False(t, logger.Core().Enabled(tc.want-1))
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Config{Environment: "moon"})
	assert.Error(t, err)
	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)
}
