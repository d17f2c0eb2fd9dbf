// Package checkpoint persists point-in-time snapshots of journal state so
// crash recovery can bound its replay distance. Checkpoints are immutable
// once created; the store offers create, list, recover, and prune.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/driftfs/metarepl/core"
)

const (
	metaSuffix  = ".json"
	stateSuffix = ".state"
	tempSuffix  = ".tmp"
)

// Checkpoint is the metadata persisted for one snapshot. The journal state
// itself lives in a sibling snappy-compressed file referenced by StateFile.
type Checkpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	NodeID       string    `json:"node_id"`
	CreatedAt    time.Time `json:"created_at"`
	StateFile    string    `json:"state_file"`
	StateSize    int64     `json:"state_size"`
}

// Store manages the on-disk checkpoint directory for one node. The journal
// collaborator produces and consumes the snapshot content; the store owns
// only its persistence.
type Store struct {
	dir     string
	nodeID  string
	journal core.JournalManager
	logger  *slog.Logger
}

// NewStore creates the checkpoint directory if needed and returns a store
// over it.
func NewStore(dir, nodeID string, journal core.JournalManager, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return &Store{
		dir:     dir,
		nodeID:  nodeID,
		journal: journal,
		logger:  logger.With("component", "checkpoint_store"),
	}, nil
}

// Create asks the journal for a full state snapshot and persists it under a
// fresh checkpoint id, returning the id. The metadata file is written last
// via write-and-rename, so a checkpoint only becomes visible once both its
// state and metadata are durably on disk; a failure leaves no partial
// checkpoint behind.
func (s *Store) Create(ctx context.Context) (string, error) {
	state, err := s.journal.CheckpointState(ctx)
	if err != nil {
		return "", &core.CheckpointCreationError{Err: err}
	}

	id := uuid.NewString()
	cp := Checkpoint{
		CheckpointID: id,
		NodeID:       s.nodeID,
		CreatedAt:    time.Now().UTC(),
		StateFile:    id + stateSuffix,
		StateSize:    int64(len(state)),
	}

	statePath := filepath.Join(s.dir, cp.StateFile)
	if err := writeFileAtomic(statePath, snappy.Encode(nil, state)); err != nil {
		return "", &core.CheckpointCreationError{Err: fmt.Errorf("failed to write checkpoint state: %w", err)}
	}

	meta, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		os.Remove(statePath)
		return "", &core.CheckpointCreationError{Err: err}
	}
	if err := writeFileAtomic(filepath.Join(s.dir, id+metaSuffix), meta); err != nil {
		os.Remove(statePath)
		return "", &core.CheckpointCreationError{Err: fmt.Errorf("failed to write checkpoint metadata: %w", err)}
	}

	s.logger.Info("checkpoint created", "checkpoint_id", id, "state_bytes", cp.StateSize)
	return id, nil
}

// Recover loads a checkpoint by id and drives the journal's recovery with
// its state. An unknown id yields a CheckpointNotFoundError; a failure of
// the journal's own recovery yields a RecoveryError.
func (s *Store) Recover(ctx context.Context, checkpointID string) error {
	cp, err := s.read(checkpointID)
	if err != nil {
		return err
	}

	compressed, err := os.ReadFile(filepath.Join(s.dir, cp.StateFile))
	if err != nil {
		return &core.RecoveryError{CheckpointID: checkpointID, Err: fmt.Errorf("failed to read checkpoint state: %w", err)}
	}
	state, err := snappy.Decode(nil, compressed)
	if err != nil {
		return &core.RecoveryError{CheckpointID: checkpointID, Err: fmt.Errorf("failed to decompress checkpoint state: %w", err)}
	}

	if err := s.journal.Recover(ctx, state); err != nil {
		return &core.RecoveryError{CheckpointID: checkpointID, Err: err}
	}
	s.logger.Info("recovered from checkpoint", "checkpoint_id", checkpointID)
	return nil
}

// RecoverLatest recovers from the most recently created checkpoint and
// returns its id.
func (s *Store) RecoverLatest(ctx context.Context) (string, error) {
	infos, err := s.List()
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", &core.CheckpointNotFoundError{CheckpointID: "latest"}
	}
	latest := infos[len(infos)-1]
	return latest.CheckpointID, s.Recover(ctx, latest.CheckpointID)
}

// List returns all persisted checkpoints sorted oldest-first. Files that
// are not readable checkpoint metadata are skipped with a warning rather
// than failing the listing.
func (s *Store) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory %s: %w", s.dir, err)
	}

	var infos []Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		cp, err := s.read(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint metadata", "file", name, "error", err)
			continue
		}
		infos = append(infos, cp)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// Prune keeps the newest keepN checkpoints and deletes the rest, returning
// the ids removed. Deletion is best-effort: it continues past individual
// failures and reports the first error encountered.
func (s *Store) Prune(keepN int) ([]string, error) {
	if keepN < 0 {
		return nil, fmt.Errorf("keepN cannot be negative")
	}

	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(infos) <= keepN {
		return nil, nil
	}

	var deleted []string
	var firstErr error
	for _, cp := range infos[:len(infos)-keepN] {
		if err := s.remove(cp); err != nil {
			s.logger.Error("failed to prune checkpoint", "checkpoint_id", cp.CheckpointID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, cp.CheckpointID)
	}
	if len(deleted) > 0 {
		s.logger.Info("pruned checkpoints", "deleted", len(deleted), "kept", keepN)
	}
	return deleted, firstErr
}

func (s *Store) read(checkpointID string) (Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, checkpointID+metaSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, &core.CheckpointNotFoundError{CheckpointID: checkpointID}
		}
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint metadata for %s: %w", checkpointID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint metadata for %s: %w", checkpointID, err)
	}
	return cp, nil
}

func (s *Store) remove(cp Checkpoint) error {
	if cp.StateFile != "" {
		if err := os.Remove(filepath.Join(s.dir, cp.StateFile)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Remove(filepath.Join(s.dir, cp.CheckpointID+metaSuffix))
}

// writeFileAtomic writes data to a temp file, fsyncs it, and renames it
// into place so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + tempSuffix
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
