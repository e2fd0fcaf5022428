package state

import (
	"fmt"
	"strconv"
	"strings"
)

// NextID computes the next monotonic "<prefix><N>" identifier given the
// already-parsed events of one log. It inspects every event's "id" field
// (runs) or "chat_id" field (sessions) via idField, takes the maximum
// numeric suffix matching prefix, and returns prefix + (max+1).
//
// Must be called while the log's lock is held by the caller, since the
// read-compute-append sequence is not itself atomic.
func NextID(rows []Row, idField string, prefix string) string {
	max := 0
	for _, row := range rows {
		raw, ok := row[idField]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || !strings.HasPrefix(s, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(s, prefix))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%d", prefix, max+1)
}
