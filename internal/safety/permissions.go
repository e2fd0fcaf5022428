package safety

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/meridian-run/meridian/internal/logx"
	"github.com/meridian-run/meridian/internal/types"
)

const openCodeDangerFallbackWarning = "OpenCode has no danger-bypass flag; danger falls back to full-access."

// PermissionResolver resolves the concrete CLI flags one harness should be
// invoked with for a given run.
type PermissionResolver interface {
	ResolveFlags(harness types.HarnessID) ([]string, error)
}

// BuildPermissionConfig validates tier/unsafe together, defaulting tier to
// read-only when empty.
func BuildPermissionConfig(rawTier string, unsafe bool) (types.PermissionConfig, error) {
	tier, err := types.ParsePermissionTier(rawTier)
	if err != nil {
		return types.PermissionConfig{}, err
	}
	cfg := types.PermissionConfig{Tier: tier, Unsafe: unsafe}
	if err := cfg.Validate(); err != nil {
		return types.PermissionConfig{}, err
	}
	return cfg, nil
}

// ValidatePermissionConfigForHarness warns (and returns the warning text)
// when a requested tier cannot be honored exactly by one harness. OpenCode
// has no danger-bypass flag, so DANGER behaves like FULL_ACCESS there.
func ValidatePermissionConfigForHarness(harness types.HarnessID, cfg types.PermissionConfig) string {
	if harness == types.HarnessOpenCode && cfg.Tier == types.TierDanger {
		logx.Warn("opencode has no danger tier; falling back to full-access", "harness", string(harness))
		return openCodeDangerFallbackWarning
	}
	return ""
}

func claudeAllowedTools(tier types.PermissionTier) []string {
	readOnly := []string{"Read", "Glob", "Grep", "Bash(git status)", "Bash(git log)", "Bash(git diff)"}
	workspaceWrite := append(append([]string{}, readOnly...), "Edit", "Write", "Bash(git add)", "Bash(git commit)")
	fullAccess := append(append([]string{}, workspaceWrite...), "WebFetch", "WebSearch", "Bash")

	switch tier {
	case types.TierReadOnly:
		return readOnly
	case types.TierWorkspaceWrite:
		return workspaceWrite
	default:
		return fullAccess
	}
}

// OpenCodePermissionJSON builds the OPENCODE_PERMISSION env payload for one
// tier: a deny-by-default JSON object naming the allowed verbs.
func OpenCodePermissionJSON(tier types.PermissionTier) (string, error) {
	var permissions map[string]string
	switch tier {
	case types.TierReadOnly:
		permissions = map[string]string{"*": "deny", "read": "allow", "grep": "allow", "glob": "allow", "list": "allow"}
	case types.TierWorkspaceWrite:
		permissions = map[string]string{
			"*": "deny", "read": "allow", "grep": "allow", "glob": "allow", "list": "allow",
			"edit": "allow", "bash": "deny",
		}
	case types.TierFullAccess:
		permissions = map[string]string{"*": "allow"}
	case types.TierDanger:
		logx.Warn(openCodeDangerFallbackWarning, "tier", string(tier))
		permissions = map[string]string{"*": "allow"}
	default:
		return "", fmt.Errorf("unsupported opencode permission tier %q", tier)
	}
	return encodeSortedJSON(permissions)
}

func encodeSortedJSON(m map[string]string) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		valJSON, err := json.Marshal(m[k])
		if err != nil {
			return "", err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return b.String(), nil
}

// PermissionFlagsForHarness translates one permission tier into the
// concrete CLI flags for harness.
func PermissionFlagsForHarness(harness types.HarnessID, cfg types.PermissionConfig) ([]string, error) {
	tier := cfg.Tier
	if tier == types.TierDanger {
		if !cfg.Unsafe {
			return nil, fmt.Errorf("danger tier requested without unsafe confirmation")
		}
		switch harness {
		case types.HarnessClaude:
			return []string{"--dangerously-skip-permissions"}, nil
		case types.HarnessCodex:
			return []string{"--dangerously-bypass-approvals-and-sandbox"}, nil
		default:
			// OpenCode has no global bypass flag; permissions flow through env.
			return nil, nil
		}
	}

	switch harness {
	case types.HarnessClaude:
		return []string{"--allowedTools", strings.Join(claudeAllowedTools(tier), ",")}, nil
	case types.HarnessCodex:
		switch tier {
		case types.TierReadOnly:
			return []string{"--sandbox", "read-only"}, nil
		case types.TierWorkspaceWrite:
			return []string{"--sandbox", "workspace-write"}, nil
		default:
			return []string{"--sandbox", "danger-full-access"}, nil
		}
	default:
		return nil, nil
	}
}

// TieredPermissionResolver resolves flags purely from a permission tier.
type TieredPermissionResolver struct {
	Config types.PermissionConfig
}

// ResolveFlags implements PermissionResolver.
func (r TieredPermissionResolver) ResolveFlags(harness types.HarnessID) ([]string, error) {
	return PermissionFlagsForHarness(harness, r.Config)
}

// ExplicitToolsResolver resolves flags from an explicit tool allowlist,
// falling back to tier-based flags for harnesses without fine-grained tool
// control (Codex only supports --sandbox).
type ExplicitToolsResolver struct {
	AllowedTools   []string
	FallbackConfig types.PermissionConfig
}

// ResolveFlags implements PermissionResolver.
func (r ExplicitToolsResolver) ResolveFlags(harness types.HarnessID) ([]string, error) {
	switch harness {
	case types.HarnessCodex:
		return PermissionFlagsForHarness(harness, r.FallbackConfig)
	case types.HarnessClaude:
		return []string{"--allowedTools", strings.Join(r.AllowedTools, ",")}, nil
	default:
		return nil, nil
	}
}

// BuildPermissionResolver picks an explicit-tools resolver when allowedTools
// is non-empty and the CLI didn't force a tier override; otherwise falls
// back to tier-based resolution.
func BuildPermissionResolver(allowedTools []string, cfg types.PermissionConfig, cliPermissionOverride bool) PermissionResolver {
	if len(allowedTools) > 0 && !cliPermissionOverride {
		return ExplicitToolsResolver{AllowedTools: allowedTools, FallbackConfig: cfg}
	}
	return TieredPermissionResolver{Config: cfg}
}
