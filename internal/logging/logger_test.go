package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger_ParsesLevel(t *testing.T) {
	logger := NewLogger("debug")
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger := NewLogger("chatty")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}
