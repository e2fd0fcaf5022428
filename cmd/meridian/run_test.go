package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSecretFlags_SplitsOnFirstEquals(t *testing.T) {
	secrets, err := parseSecretFlags([]string{"API_KEY=abc=123", "TOKEN=xyz"})
	require.NoError(t, err)
	require.Len(t, secrets, 2)
	assert.Equal(t, "API_KEY", secrets[0].Key)
	assert.Equal(t, "abc=123", secrets[0].Value)
	assert.Equal(t, "TOKEN", secrets[1].Key)
	assert.Equal(t, "xyz", secrets[1].Value)
}

func TestParseSecretFlags_RejectsMissingEquals(t *testing.T) {
	_, err := parseSecretFlags([]string{"NOEQUALSIGN"})
	assert.Error(t, err)
}

func TestParseSecretFlags_RejectsEmptyKey(t *testing.T) {
	_, err := parseSecretFlags([]string{"=value"})
	assert.Error(t, err)
}

func TestParseSecretFlags_EmptyInputYieldsNoSecrets(t *testing.T) {
	secrets, err := parseSecretFlags(nil)
	require.NoError(t, err)
	assert.Empty(t, secrets)
}
