package kv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValue_RoundTrip(t *testing.T) {
	value := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 10))

	encoded := encodeValue(value)
	assert.True(t, bytes.HasPrefix(encoded, envelopeMagic))

	decoded, err := decodeValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestEncodeValue_SmallValuesPassThrough(t *testing.T) {
	value := []byte("small")

	encoded := encodeValue(value)
	assert.Equal(t, value, encoded)

	decoded, err := decodeValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}
