package safety

import "strings"

// ChildEnvAllowlist is the fixed set of environment variables every
// spawned harness subprocess inherits, regardless of harness.
var ChildEnvAllowlist = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true, "PYTHONPATH": true,
	"VIRTUAL_ENV": true,
}

// ChildEnvAllowlistPrefixes additionally allow-list any variable whose
// name starts with one of these prefixes.
var ChildEnvAllowlistPrefixes = []string{"LC_", "XDG_", "UV_", "NODE_"}

// ChildEnvSecretSuffixes mark a variable as secret-shaped: dropped from
// the child environment unless it also appears in a pass-through set.
var ChildEnvSecretSuffixes = []string{"_TOKEN", "_KEY", "_SECRET"}

// HarnessEnvPassThrough lists the vendor API-key environment variables
// harness CLIs need to authenticate. Kept explicit so other secret-shaped
// variables still default to stripped.
var HarnessEnvPassThrough = map[string]bool{
	"ANTHROPIC_API_KEY": true, "ANTHROPIC_BASE_URL": true,
	"OPENAI_API_KEY": true, "OPENAI_ORG_ID": true, "OPENAI_PROJECT_ID": true,
	"OPENAI_BASE_URL": true, "OPENROUTER_API_KEY": true,
	"GEMINI_API_KEY": true, "GOOGLE_API_KEY": true, "GROQ_API_KEY": true,
	"XAI_API_KEY": true, "MISTRAL_API_KEY": true, "COHERE_API_KEY": true,
	"DEEPSEEK_API_KEY": true, "TOGETHER_API_KEY": true, "PERPLEXITY_API_KEY": true,
}

func isAllowlistedChildEnvVar(key string) bool {
	normalized := strings.ToUpper(key)
	if ChildEnvAllowlist[normalized] {
		return true
	}
	for _, prefix := range ChildEnvAllowlistPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func looksLikeSecretEnvVar(key string) bool {
	normalized := strings.ToUpper(key)
	for _, suffix := range ChildEnvSecretSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// SanitizeChildEnv builds a sanitized child environment from baseEnv
// ("KEY=value" pairs, as from os.Environ()), allow-listing only the fixed
// ambient set plus anything named in passThrough, stripping anything
// secret-shaped that isn't explicitly pass-through, and finally layering
// envOverrides on top unconditionally.
func SanitizeChildEnv(baseEnv []string, envOverrides map[string]string, passThrough map[string]bool) []string {
	sanitized := make(map[string]string)

	for _, kv := range baseEnv {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		normalized := strings.ToUpper(key)
		if looksLikeSecretEnvVar(normalized) && !passThrough[normalized] {
			continue
		}
		if passThrough[normalized] || isAllowlistedChildEnvVar(normalized) {
			sanitized[key] = value
		}
	}

	for key, value := range envOverrides {
		sanitized[key] = value
	}

	out := make([]string, 0, len(sanitized))
	for key, value := range sanitized {
		out = append(out, key+"="+value)
	}
	return out
}
