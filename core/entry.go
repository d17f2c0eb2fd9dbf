package core

import (
	"encoding/json"
	"time"
)

// OperationType identifies the filesystem mutation a journal entry records.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpWrite  OperationType = "write"
	OpDelete OperationType = "delete"
	OpMkdir  OperationType = "mkdir"
	OpRmdir  OperationType = "rmdir"
	OpRename OperationType = "rename"
)

// EntryStatus reflects the journal's own view of an entry's lifecycle.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// JournalEntry is a single filesystem mutation record produced by the
// journal. The replication layer treats it as an immutable value: it is
// persisted and forwarded as-is, never modified.
type JournalEntry struct {
	EntryID   string          `json:"entry_id"`
	Timestamp time.Time       `json:"timestamp"`
	Operation OperationType   `json:"operation_type"`
	Path      string          `json:"path"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    EntryStatus     `json:"status"`
}
