package state

import (
	"time"

	"github.com/meridian-run/meridian/internal/types"
)

// SessionRecord is the derived state of one chat session, folded from its
// start/stop events.
type SessionRecord struct {
	ChatID           types.ChatID
	Harness          types.HarnessID
	HarnessSessionID string
	Model            string
	Params           []string
	StartedAt        string
	StoppedAt        string
}

// StartSessionParams are the inputs for appending a session "start"
// event.
type StartSessionParams struct {
	ChatID           types.ChatID // optional; allocated if empty
	Harness          types.HarnessID
	HarnessSessionID string
	Model            string
	Params           []string
	StartedAt        time.Time
}

// StartSession appends a session-start event under sessions.lock and
// returns the allocated (or caller-provided) chat ID.
func StartSession(spaceDir string, params StartSessionParams) (types.ChatID, error) {
	sp := SpacePathsFromDir(spaceDir)
	started := params.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	var chatID types.ChatID
	err := WithLock(sp.SessionsLock, func() error {
		rows, err := ReadEvents(sp.SessionsJSONL)
		if err != nil {
			return err
		}
		if params.ChatID != "" {
			chatID = params.ChatID
		} else {
			chatID = types.ChatID(NextID(rows, "chat_id", "c"))
		}

		paramsAny := make([]any, len(params.Params))
		for i, p := range params.Params {
			paramsAny[i] = p
		}
		event := Row{
			"v":                  1,
			"event":              "start",
			"chat_id":            string(chatID),
			"harness":            string(params.Harness),
			"harness_session_id": params.HarnessSessionID,
			"model":              params.Model,
			"params":             paramsAny,
			"started_at":         started.Truncate(time.Second).Format(time.RFC3339),
		}
		return appendEventLocked(sp.SessionsJSONL, event)
	})
	return chatID, err
}

// StopSession appends a session "stop" event under sessions.lock.
func StopSession(spaceDir string, chatID types.ChatID, stoppedAt time.Time) error {
	sp := SpacePathsFromDir(spaceDir)
	if stoppedAt.IsZero() {
		stoppedAt = time.Now().UTC()
	}
	event := Row{
		"v":          1,
		"event":      "stop",
		"chat_id":    string(chatID),
		"stopped_at": stoppedAt.Truncate(time.Second).Format(time.RFC3339),
	}
	return WithLock(sp.SessionsLock, func() error {
		return appendEventLocked(sp.SessionsJSONL, event)
	})
}

func foldSessionEvents(rows []Row) map[string]SessionRecord {
	records := make(map[string]SessionRecord)
	for _, event := range rows {
		id, _ := event["chat_id"].(string)
		if id == "" {
			continue
		}
		current := records[id]
		current.ChatID = types.ChatID(id)

		switch event["event"] {
		case "start":
			if v, ok := event["harness"].(string); ok {
				current.Harness = types.HarnessID(v)
			}
			if v, ok := event["harness_session_id"].(string); ok {
				current.HarnessSessionID = v
			}
			if v, ok := event["model"].(string); ok {
				current.Model = v
			}
			if v, ok := event["started_at"].(string); ok {
				current.StartedAt = v
			}
			if list, ok := event["params"].([]any); ok {
				params := make([]string, 0, len(list))
				for _, item := range list {
					if s, ok := item.(string); ok {
						params = append(params, s)
					}
				}
				current.Params = params
			}
		case "stop":
			if v, ok := event["stopped_at"].(string); ok {
				current.StoppedAt = v
			}
		}
		records[id] = current
	}
	return records
}

// ListSessions returns every derived session record in one space.
func ListSessions(spaceDir string) ([]SessionRecord, error) {
	sp := SpacePathsFromDir(spaceDir)
	rows, err := ReadEvents(sp.SessionsJSONL)
	if err != nil {
		return nil, err
	}
	records := foldSessionEvents(rows)
	sessions := make([]SessionRecord, 0, len(records))
	for _, s := range records {
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// IsSessionActive reports whether chatID's lock file is currently held by
// a live process (i.e., the session is attached right now).
func IsSessionActive(spaceDir string, chatID types.ChatID) (bool, error) {
	lockPath := SessionLockPath(spaceDir, chatID)
	return IsLockHeld(lockPath)
}

// CleanupStaleSessions scans sessions/<chat-id>.lock files; for each lock
// that can be acquired non-blocking (meaning no live process holds it),
// it appends a synthetic "stop" event and removes the stale lock file.
func CleanupStaleSessions(spaceDir string) ([]types.ChatID, error) {
	sp := SpacePathsFromDir(spaceDir)
	entries, err := readDirIfExists(sp.SessionsDir)
	if err != nil {
		return nil, err
	}

	var cleaned []types.ChatID
	for _, name := range entries {
		chatID := types.ChatID(trimLockSuffix(name))
		lockPath := SessionLockPath(spaceDir, chatID)
		held, err := IsLockHeld(lockPath)
		if err != nil {
			continue
		}
		if held {
			continue
		}
		if err := StopSession(spaceDir, chatID, time.Now().UTC()); err != nil {
			return cleaned, err
		}
		if err := removeIfExists(lockPath); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, chatID)
	}
	return cleaned, nil
}
