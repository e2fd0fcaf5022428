package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeChildEnv_KeepsAllowlistedVars(t *testing.T) {
	out := SanitizeChildEnv([]string{"PATH=/usr/bin", "HOME=/root"}, nil, nil)
	assert.Contains(t, out, "PATH=/usr/bin")
	assert.Contains(t, out, "HOME=/root")
}

func TestSanitizeChildEnv_DropsUnlistedVars(t *testing.T) {
	out := SanitizeChildEnv([]string{"SOME_RANDOM_VAR=1"}, nil, nil)
	assert.Empty(t, out)
}

func TestSanitizeChildEnv_DropsSecretShapedVarsByDefault(t *testing.T) {
	out := SanitizeChildEnv([]string{"GITHUB_TOKEN=abc123"}, nil, nil)
	assert.Empty(t, out)
}

func TestSanitizeChildEnv_PassThroughKeepsHarnessKeys(t *testing.T) {
	out := SanitizeChildEnv([]string{"ANTHROPIC_API_KEY=sk-abc"}, nil, HarnessEnvPassThrough)
	assert.Contains(t, out, "ANTHROPIC_API_KEY=sk-abc")
}

func TestSanitizeChildEnv_AllowlistPrefixesMatch(t *testing.T) {
	out := SanitizeChildEnv([]string{"XDG_CONFIG_HOME=/x", "LC_ALL=C", "UV_CACHE_DIR=/y", "NODE_ENV=prod"}, nil, nil)
	assert.Contains(t, out, "XDG_CONFIG_HOME=/x")
	assert.Contains(t, out, "LC_ALL=C")
	assert.Contains(t, out, "UV_CACHE_DIR=/y")
	assert.Contains(t, out, "NODE_ENV=prod")
}

func TestSanitizeChildEnv_OverridesAlwaysWin(t *testing.T) {
	out := SanitizeChildEnv([]string{"PATH=/usr/bin"}, map[string]string{"PATH": "/custom"}, nil)
	assert.Contains(t, out, "PATH=/custom")
}
