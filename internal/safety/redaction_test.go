package safety

import (
	"testing"

	"github.com/meridian-run/meridian/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestRedactSecretBytes_ReplacesEveryOccurrence(t *testing.T) {
	secrets := []types.SecretSpec{{Key: "api_key", Value: "sk-super-secret"}}
	chunk := []byte(`{"msg":"using sk-super-secret twice: sk-super-secret"}`)

	redacted := RedactSecretBytes(chunk, secrets)
	assert.Equal(t, `{"msg":"using [REDACTED:api_key] twice: [REDACTED:api_key]"}`, string(redacted))
}

func TestRedactSecretBytes_NoSecretsIsNoop(t *testing.T) {
	chunk := []byte("plain text")
	assert.Equal(t, chunk, RedactSecretBytes(chunk, nil))
}

func TestRedactSecretBytes_SkipsEmptyValue(t *testing.T) {
	secrets := []types.SecretSpec{{Key: "unset", Value: ""}}
	chunk := []byte("unchanged")
	assert.Equal(t, "unchanged", string(RedactSecretBytes(chunk, secrets)))
}

func TestRedactSecretBytes_MultipleSecrets(t *testing.T) {
	secrets := []types.SecretSpec{
		{Key: "a", Value: "foo"},
		{Key: "b", Value: "bar"},
	}
	out := RedactSecretBytes([]byte("foo and bar"), secrets)
	assert.Equal(t, "[REDACTED:a] and [REDACTED:b]", string(out))
}
