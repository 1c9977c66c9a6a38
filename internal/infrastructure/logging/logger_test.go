package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewBuildsLogger(t *testing.T) {
	logger, err := New(Config{Level: "debug", Development: true})
	require.NoError(t, err)
	require.NotNil(t, logger.Logger)
	assert.NotNil(t, logger.Component("proxy"))
}

func TestNilSafety(t *testing.T) {
	var l *Logger
	assert.NotNil(t, l.Component("session"))
	assert.NotNil(t, OrNop(nil))
}

func TestIsProduction(t *testing.T) {
	for env, want := range map[string]bool{"production": true, "prod": true, "staging": false, "": false} {
		t.Setenv("ENV", env)
		assert.Equal(t, want, IsProduction(), env)
	}
}
