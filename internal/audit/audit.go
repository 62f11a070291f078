// Package audit records mutation accept/reject decisions to an append-only
// JSONL sink, independent of the structured application log.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/activity-sync/internal/shared"
)

type entry struct {
	Timestamp   string `json:"timestamp"`
	Decision    string `json:"decision"`
	Org         string `json:"organization_id"`
	TaskID      string `json:"task_id,omitempty"`
	ActingUser  string `json:"acting_user"`
	EventType   string `json:"event_type"`
	Reason      string `json:"reason,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	conflictCnt  atomic.Int64
	forbiddenCnt atomic.Int64
)

// Init opens the audit sink at <homeDir>/logs/audit.jsonl, creating the
// directory if needed. Safe to call more than once; subsequent calls are
// no-ops while a sink is already open.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ConflictCount returns the number of "conflict" decisions recorded since startup.
func ConflictCount() int64 { return conflictCnt.Load() }

// ForbiddenCount returns the number of "forbidden" decisions recorded since startup.
func ForbiddenCount() int64 { return forbiddenCnt.Load() }

// Record appends one mutation decision to the audit sink. decision is one of
// "accepted", "forbidden", "conflict", or "not_found". reason is optional
// free-form context and is redacted before persistence.
func Record(decision, org, taskID, actingUser, eventType, reason string) {
	switch decision {
	case "conflict":
		conflictCnt.Add(1)
	case "forbidden":
		forbiddenCnt.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Decision:   decision,
		Org:        org,
		TaskID:     taskID,
		ActingUser: actingUser,
		EventType:  eventType,
		Reason:     reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
