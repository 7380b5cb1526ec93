package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "debug", DEBUG.String())
	assert.Equal(t, "warn", WARN.String())
	assert.Equal(t, "unknown", LogLevel(42).String())
}

func TestLevelFromString(t *testing.T) {
	for input, want := range map[string]LogLevel{
		"debug":   DEBUG,
		" Info ":  INFO,
		"WARNING": WARN,
		"warn":    WARN,
		"ERROR":   ERROR,
	} {
		got, err := LevelFromString(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := LevelFromString("verbose")
	assert.Error(t, err)
}

func TestParseLevel_FallsBackToInfo(t *testing.T) {
	assert.Equal(t, INFO, ParseLevel(""))
	assert.Equal(t, INFO, ParseLevel("trace"))
	assert.Equal(t, ERROR, ParseLevel("error"))
}

func TestLogLevel_Text(t *testing.T) {
	var l LogLevel
	require.NoError(t, l.UnmarshalText([]byte("warn")))
	assert.Equal(t, WARN, l)

	text, err := ERROR.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "error", string(text))

	assert.Error(t, l.UnmarshalText([]byte("loud")))
	assert.Equal(t, WARN, l)
}

func TestLogLevel_ShouldLog(t *testing.T) {
	assert.True(t, ERROR.ShouldLog(WARN))
	assert.True(t, INFO.ShouldLog(INFO))
	assert.False(t, DEBUG.ShouldLog(INFO))
	assert.False(t, WARN.ShouldLog(ERROR))
}
