// Package safety implements Meridian's run-time safety controls: secret
// redaction, permission-tier resolution, budget enforcement, and post-run
// guardrail scripts.
package safety

import (
	"bytes"

	"github.com/meridian-run/meridian/internal/types"
)

// RedactSecretBytes scans chunk for every secret's raw value and replaces
// each occurrence with its "[REDACTED:<key>]" placeholder. Operating on the
// raw byte stream (rather than a decoded string) means a secret split
// across a multi-byte boundary is still caught before the chunk ever
// reaches disk, the terminal, or an artifact.
func RedactSecretBytes(chunk []byte, secrets []types.SecretSpec) []byte {
	if len(secrets) == 0 {
		return chunk
	}
	out := chunk
	for _, secret := range secrets {
		if secret.Value == "" {
			continue
		}
		out = bytes.ReplaceAll(out, []byte(secret.Value), []byte(secret.RedactedPlaceholder()))
	}
	return out
}
