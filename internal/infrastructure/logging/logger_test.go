package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/prochost/internal/infrastructure/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewHonorsLevel(t *testing.T) {
	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name string
		in   config.LogConfig
		want Config
	}{
		{"production", config.LogConfig{Level: "info"}, Config{Level: "info", OutputPaths: []string{"stderr"}}},
		{"development keeps explicit level", config.LogConfig{Level: "error", Development: true}, Config{Level: "error", Development: true, OutputPaths: []string{"stderr"}}},
		{"empty level", config.LogConfig{Development: true}, Config{Level: "debug", Development: true, OutputPaths: []string{"stderr"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromConfig(tt.in))
		})
	}
}

func TestConstructorsNeverReturnNil(t *testing.T) {
	assert.NotNil(t, NewDefault().Logger)
	assert.NotNil(t, NewDevelopment().Logger)
	assert.NotNil(t, NewDefault().Component("registry"))
}
