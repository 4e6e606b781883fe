package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	// Canonical names
	s, err := ParseStrategy("lww")
	require.NoError(t, err)
	assert.Equal(t, StrategyLWW, s)

	s, err = ParseStrategy("crdt-counter")
	require.NoError(t, err)
	assert.Equal(t, StrategyCounter, s)

	s, err = ParseStrategy("crdt-text")
	require.NoError(t, err)
	assert.Equal(t, StrategyText, s)

	// Short aliases
	s, err = ParseStrategy("counter")
	require.NoError(t, err)
	assert.Equal(t, StrategyCounter, s)

	s, err = ParseStrategy("set")
	require.NoError(t, err)
	assert.Equal(t, StrategySet, s)

	s, err = ParseStrategy("text")
	require.NoError(t, err)
	assert.Equal(t, StrategyText, s)

	// Case-insensitive
	s, err = ParseStrategy("CRDT-MAP")
	require.NoError(t, err)
	assert.Equal(t, StrategyMap, s)

	// Unknown names fail
	_, err = ParseStrategy("quantum")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantum")
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "lww", StrategyLWW.String())
	assert.Equal(t, "crdt-counter", StrategyCounter.String())
	assert.Equal(t, "crdt-set", StrategySet.String())
	assert.Equal(t, "crdt-map", StrategyMap.String())
	assert.Equal(t, "crdt-text", StrategyText.String())
}

func TestStrategyJSON(t *testing.T) {
	data, err := json.Marshal(StrategyText)
	require.NoError(t, err)
	assert.Equal(t, `"crdt-text"`, string(data))

	var s Strategy
	require.NoError(t, json.Unmarshal([]byte(`"crdt-counter"`), &s))
	assert.Equal(t, StrategyCounter, s)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}
