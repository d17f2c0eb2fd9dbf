package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/metarepl/core"
	"github.com/driftfs/metarepl/internal/testutil"
)

func newTestStore(t *testing.T, journal core.JournalManager) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), "node-1", journal, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

func TestStore_CreateAndRecover_RoundTrip(t *testing.T) {
	journal := &testutil.FakeJournal{State: []byte(`{"root":{"dirs":["a","b"]}}`)}
	store := newTestStore(t, journal)

	id, err := store.Create(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Metadata file exists with matching ids.
	meta, err := os.ReadFile(filepath.Join(store.dir, id+metaSuffix))
	require.NoError(t, err)
	var cp Checkpoint
	require.NoError(t, json.Unmarshal(meta, &cp))
	assert.Equal(t, id, cp.CheckpointID)
	assert.Equal(t, "node-1", cp.NodeID)
	assert.False(t, cp.CreatedAt.IsZero())

	require.NoError(t, store.Recover(context.Background(), id))
	assert.Equal(t, 1, journal.RecoverCalls, "journal recovery must be invoked exactly once")
	assert.Equal(t, journal.State, journal.Recovered, "recovered state must round-trip through compression")
}

func TestStore_Create_JournalFailure(t *testing.T) {
	journal := &testutil.FakeJournal{CheckpointErr: errors.New("journal offline")}
	store := newTestStore(t, journal)

	_, err := store.Create(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsCheckpointCreationError(err))

	// No partial checkpoint may be left visible.
	infos, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestStore_Recover_NotFound(t *testing.T) {
	store := newTestStore(t, &testutil.FakeJournal{})

	err := store.Recover(context.Background(), "no-such-checkpoint")
	require.Error(t, err)
	assert.True(t, core.IsCheckpointNotFound(err))
	assert.False(t, core.IsRecoveryError(err), "not-found and recovery errors are distinct kinds")
}

func TestStore_Recover_JournalFailure(t *testing.T) {
	journal := &testutil.FakeJournal{State: []byte("state")}
	store := newTestStore(t, journal)

	id, err := store.Create(context.Background())
	require.NoError(t, err)

	journal.RecoverErr = errors.New("cannot apply")
	err = store.Recover(context.Background(), id)
	require.Error(t, err)
	assert.True(t, core.IsRecoveryError(err))
	assert.False(t, core.IsCheckpointNotFound(err))
}

func TestStore_RecoverLatest(t *testing.T) {
	journal := &testutil.FakeJournal{State: []byte("v1")}
	store := newTestStore(t, journal)

	_, err := store.Create(context.Background())
	require.NoError(t, err)

	// Later checkpoint carries different state.
	journal.State = []byte("v2")
	wantID, err := store.Create(context.Background())
	require.NoError(t, err)

	// Creation timestamps must differ for ordering; nudge the first one back.
	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	if !infos[0].CreatedAt.Before(infos[1].CreatedAt) {
		first := infos[0]
		first.CreatedAt = first.CreatedAt.Add(-time.Second)
		if first.CheckpointID == wantID {
			first = infos[1]
			first.CreatedAt = first.CreatedAt.Add(-time.Second)
		}
		raw, merr := json.Marshal(&first)
		require.NoError(t, merr)
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, first.CheckpointID+metaSuffix), raw, 0644))
	}

	gotID, err := store.RecoverLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wantID, gotID)
	assert.Equal(t, []byte("v2"), journal.Recovered)
}

func TestStore_RecoverLatest_Empty(t *testing.T) {
	store := newTestStore(t, &testutil.FakeJournal{})
	_, err := store.RecoverLatest(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsCheckpointNotFound(err))
}

func TestStore_List_SkipsCorruptMetadata(t *testing.T) {
	journal := &testutil.FakeJournal{State: []byte("state")}
	store := newTestStore(t, journal)

	_, err := store.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "garbage.json"), []byte("{not json"), 0644))

	infos, err := store.List()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestStore_Prune(t *testing.T) {
	journal := &testutil.FakeJournal{State: []byte("state")}
	store := newTestStore(t, journal)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := store.Create(context.Background())
		require.NoError(t, err)
		ids = append(ids, id)

		// Spread CreatedAt so the pruning order is deterministic.
		cp, rerr := store.read(id)
		require.NoError(t, rerr)
		cp.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		raw, merr := json.Marshal(&cp)
		require.NoError(t, merr)
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, id+metaSuffix), raw, 0644))
	}

	deleted, err := store.Prune(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[:2], deleted)

	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, cp := range infos {
		_, statErr := os.Stat(filepath.Join(store.dir, cp.StateFile))
		assert.NoError(t, statErr, "kept checkpoints retain their state files")
	}
}

func TestStore_Prune_NothingToDo(t *testing.T) {
	store := newTestStore(t, &testutil.FakeJournal{State: []byte("s")})
	deleted, err := store.Prune(5)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
