package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driftfs/metarepl/core"
)

// DurabilityStore persists journal entries plus replication bookkeeping to
// local disk before any remote replication is attempted. Entries are laid
// out under metadata/<entry_id[:2]>/<entry_id>.json; the shard prefix
// bounds per-directory fan-out.
type DurabilityStore struct {
	dir string
}

// durabilityRecord is the on-disk shape of one persisted entry.
type durabilityRecord struct {
	Entry         core.JournalEntry     `json:"entry"`
	ReplicationID string                `json:"replication_id"`
	Level         core.ReplicationLevel `json:"level"`
	PersistedAt   time.Time             `json:"persisted_at"`
}

// NewDurabilityStore creates the metadata root if needed.
func NewDurabilityStore(dir string) (*DurabilityStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory %s: %w", dir, err)
	}
	return &DurabilityStore{dir: dir}, nil
}

// Persist writes the entry and its bookkeeping to the sharded path and
// fsyncs before returning, so a reported success means the record is on
// disk, not merely buffered. Returns the final path.
func (s *DurabilityStore) Persist(entry core.JournalEntry, replicationID string, level core.ReplicationLevel) (string, error) {
	if entry.EntryID == "" {
		return "", fmt.Errorf("journal entry has no entry id")
	}

	rec := durabilityRecord{
		Entry:         entry,
		ReplicationID: replicationID,
		Level:         level,
		PersistedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode durability record for %s: %w", entry.EntryID, err)
	}

	shardDir := filepath.Join(s.dir, shardFor(entry.EntryID))
	if err := os.MkdirAll(shardDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create shard directory %s: %w", shardDir, err)
	}

	path := filepath.Join(shardDir, entry.EntryID+".json")
	if err := writeFileSynced(path, data); err != nil {
		return "", fmt.Errorf("failed to persist entry %s: %w", entry.EntryID, err)
	}
	return path, nil
}

// Read loads a previously persisted record by entry id.
func (s *DurabilityStore) Read(entryID string) (core.JournalEntry, error) {
	path := filepath.Join(s.dir, shardFor(entryID), entryID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return core.JournalEntry{}, fmt.Errorf("failed to read durability record for %s: %w", entryID, err)
	}
	var rec durabilityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return core.JournalEntry{}, fmt.Errorf("corrupt durability record for %s: %w", entryID, err)
	}
	return rec.Entry, nil
}

func shardFor(entryID string) string {
	if len(entryID) > 2 {
		return entryID[:2]
	}
	return entryID
}

// writeFileSynced writes via a temp file, fsyncs, and renames into place so
// readers never observe a partial record.
func writeFileSynced(path string, data []byte) error {
	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	// Close before rename for Windows compatibility.
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, path)
}
