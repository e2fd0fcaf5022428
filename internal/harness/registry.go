package harness

import (
	"fmt"

	"github.com/meridian-run/meridian/internal/types"
)

// ForHarness returns the concrete Adapter for one harness ID.
func ForHarness(id types.HarnessID) (Adapter, error) {
	switch id {
	case types.HarnessClaude:
		return ClaudeAdapter{}, nil
	case types.HarnessCodex:
		return CodexAdapter{}, nil
	case types.HarnessOpenCode:
		return OpenCodeAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown harness id: %s", id)
	}
}
