package replication

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/metarepl/config"
	"github.com/driftfs/metarepl/core"
	"github.com/driftfs/metarepl/internal/testutil"
	"github.com/driftfs/metarepl/vclock"
)

type managerFixture struct {
	manager   *Manager
	journal   *testutil.FakeJournal
	tiered    *testutil.FakeTiered
	transport *testutil.FakeTransport
	cfg       config.ReplicationConfig
}

func newManagerFixture(t *testing.T, mutate func(*config.ReplicationConfig)) *managerFixture {
	t.Helper()
	cfg := config.ReplicationConfig{
		DefaultLevel:       core.LevelQuorum.String(),
		BasePath:           t.TempDir(),
		SyncInterval:       "1h", // keep loops quiet unless a test shortens them
		CheckpointInterval: "1h",
		CheckpointKeep:     4,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fx := &managerFixture{
		journal:   &testutil.FakeJournal{State: []byte(`{"entries":[]}`)},
		tiered:    &testutil.FakeTiered{},
		transport: testutil.NewFakeTransport(true),
		cfg:       cfg,
	}
	m, err := NewManager(fx.journal, fx.tiered, fx.transport, "node-a", core.RoleWorker, cfg, discardLogger())
	require.NoError(t, err)
	fx.manager = m
	t.Cleanup(func() {
		if !m.closed.Load() {
			require.NoError(t, m.Close())
		}
	})
	return fx
}

func TestNewManagerLayoutAndInit(t *testing.T) {
	fx := newManagerFixture(t, nil)

	for _, sub := range []string{"metadata", "checkpoints", "state"} {
		assert.DirExists(t, filepath.Join(fx.cfg.BasePath, sub))
	}
	assert.Equal(t, 1, fx.transport.InitCalls())
}

func TestNewManagerRejectsBadInput(t *testing.T) {
	journal := &testutil.FakeJournal{}
	transport := testutil.NewFakeTransport(true)
	cfg := config.ReplicationConfig{BasePath: t.TempDir()}

	_, err := NewManager(journal, nil, transport, "", core.RoleWorker, cfg, discardLogger())
	require.Error(t, err)

	_, err = NewManager(nil, nil, transport, "node-a", core.RoleWorker, cfg, discardLogger())
	require.Error(t, err)

	_, err = NewManager(journal, nil, nil, "node-a", core.RoleWorker, cfg, discardLogger())
	require.Error(t, err)

	badCfg := cfg
	badCfg.DefaultLevel = "everything-everywhere"
	_, err = NewManager(journal, nil, transport, "node-a", core.RoleWorker, badCfg, discardLogger())
	require.Error(t, err)
}

func TestManagerReplicateUsesDefaultLevel(t *testing.T) {
	fx := newManagerFixture(t, func(cfg *config.ReplicationConfig) {
		cfg.DefaultLevel = core.LevelLocalDurability.String()
	})

	result, err := fx.manager.Replicate(context.Background(), testEntry("entry-1"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.LocalDurability)
	assert.FileExists(t, result.LocalDurability.Path)
	assert.Empty(t, fx.transport.EntryCalls())
}

func TestManagerQuorumTracksMembership(t *testing.T) {
	fx := newManagerFixture(t, nil)

	assert.Equal(t, 3, fx.manager.QuorumSize())

	for _, id := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7"} {
		require.True(t, fx.manager.RegisterPeer(id, core.RoleWorker, nil))
	}
	assert.Equal(t, 4, fx.manager.QuorumSize()) // 7/2 + 1

	assert.True(t, fx.manager.UpdatePeerStatus("w1", core.PeerStatusUpdate{Status: core.PeerOffline}))
	assert.False(t, fx.manager.UpdatePeerStatus("ghost", core.PeerStatusUpdate{Status: core.PeerOnline}))
}

func TestManagerStateRoundTrip(t *testing.T) {
	base := t.TempDir()
	cfg := config.ReplicationConfig{
		DefaultLevel:       core.LevelLocalDurability.String(),
		BasePath:           base,
		SyncInterval:       "1h",
		CheckpointInterval: "1h",
	}
	journal := &testutil.FakeJournal{State: []byte("{}")}
	transport := testutil.NewFakeTransport(true)

	first, err := NewManager(journal, nil, transport, "node-a", core.RoleWorker, cfg, discardLogger())
	require.NoError(t, err)

	first.RegisterPeer("w1", core.RoleWorker, map[string]string{"zone": "eu-1"})
	first.RegisterPeer("l1", core.RoleLeecher, nil)
	_, err = first.Replicate(context.Background(), testEntry("entry-1"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	statePath := filepath.Join(base, "state", "node-a.json")
	require.FileExists(t, statePath)
	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var state managerState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "node-a", state.NodeID)
	assert.Equal(t, vclock.DigestMap(state.Clock), state.ClockDigest)

	second, err := NewManager(journal, nil, transport, "node-a", core.RoleWorker, cfg, discardLogger())
	require.NoError(t, err)
	defer second.Close()

	snapshot := second.ClockSnapshot()
	assert.Equal(t, uint64(1), snapshot["node-a"])
	assert.Equal(t, 3, second.QuorumSize()) // one worker peer, floor holds

	// Restored peers keep role and metadata.
	peer, ok := second.registry.Peer("w1")
	require.True(t, ok)
	assert.Equal(t, core.RoleWorker, peer.Role)
	assert.Equal(t, "eu-1", peer.Metadata["zone"])
	_, ok = second.registry.Peer("l1")
	assert.True(t, ok)

	_, err = second.Replicate(context.Background(), testEntry("entry-2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ClockSnapshot()["node-a"])
}

func TestManagerStartsEmptyOnCorruptState(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "state"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "state", "node-a.json"), []byte("{not json"), 0644))

	cfg := config.ReplicationConfig{BasePath: base, SyncInterval: "1h", CheckpointInterval: "1h"}
	m, err := NewManager(&testutil.FakeJournal{}, nil, testutil.NewFakeTransport(true),
		"node-a", core.RoleWorker, cfg, discardLogger())
	require.NoError(t, err)
	defer m.Close()

	assert.Empty(t, m.ClockSnapshot()["node-a"])
}

func TestManagerStartsEmptyOnDigestMismatch(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "state"), 0755))
	tampered, err := json.Marshal(managerState{
		NodeID:      "node-a",
		Clock:       map[string]uint64{"node-a": 99},
		ClockDigest: "0000",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, "state", "node-a.json"), tampered, 0644))

	cfg := config.ReplicationConfig{BasePath: base, SyncInterval: "1h", CheckpointInterval: "1h"}
	m, err := NewManager(&testutil.FakeJournal{}, nil, testutil.NewFakeTransport(true),
		"node-a", core.RoleWorker, cfg, discardLogger())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, uint64(0), m.ClockSnapshot()["node-a"])
}

func TestManagerHandlePeerStatus(t *testing.T) {
	fx := newManagerFixture(t, nil)

	fx.manager.HandlePeerStatus(core.PeerStatusPayload{
		PeerID: "w9",
		Role:   core.RoleWorker,
		Status: core.PeerOnline,
		Clock:  map[string]uint64{"w9": 7},
		SentAt: time.Now().UTC(),
	})

	// Unknown peer gets registered on first contact.
	assert.True(t, fx.manager.UpdatePeerStatus("w9", core.PeerStatusUpdate{Status: core.PeerOnline}))
	// The sender's clock is merged into ours.
	assert.Equal(t, uint64(7), fx.manager.ClockSnapshot()["w9"])
}

func TestManagerApplyReplicatedEntry(t *testing.T) {
	fx := newManagerFixture(t, nil)

	entry := testEntry("entry-9")
	err := fx.manager.ApplyReplicatedEntry(context.Background(), core.ReplicationPayload{
		Entry:         entry,
		ReplicationID: "rep-remote",
		OriginNode:    "node-b",
		Clock:         map[string]uint64{"node-b": 3},
	})
	require.NoError(t, err)

	got, err := fx.manager.engine.durability.Read(entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, entry.Path, got.Path)
	assert.Equal(t, uint64(3), fx.manager.ClockSnapshot()["node-b"])
}

func TestManagerCheckpointRoundTrip(t *testing.T) {
	fx := newManagerFixture(t, nil)
	fx.journal.State = []byte(`{"entries":[{"entry_id":"entry-1"}]}`)

	id, err := fx.manager.CreateCheckpoint(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	list, err := fx.manager.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].CheckpointID)

	require.NoError(t, fx.manager.RecoverFromCheckpoint(context.Background(), id))
	assert.Equal(t, fx.journal.State, fx.journal.Recovered)

	err = fx.manager.RecoverFromCheckpoint(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, core.IsCheckpointNotFound(err))
}

func TestManagerBackgroundLoops(t *testing.T) {
	fx := newManagerFixture(t, func(cfg *config.ReplicationConfig) {
		cfg.SyncInterval = "10ms"
		cfg.CheckpointInterval = "15ms"
		cfg.CheckpointKeep = 2
	})
	fx.manager.RegisterPeer("w1", core.RoleWorker, nil)

	require.Eventually(t, func() bool {
		statusPushes := 0
		for _, call := range fx.transport.Calls() {
			if call.Kind == core.PayloadPeerStatus && call.PeerID == "w1" {
				statusPushes++
			}
		}
		list, err := fx.manager.ListCheckpoints()
		return statusPushes >= 2 && err == nil && len(list) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Retention: the checkpoint loop prunes down to CheckpointKeep.
	require.Eventually(t, func() bool {
		list, err := fx.manager.ListCheckpoints()
		return err == nil && len(list) > 0 && len(list) <= 2
	}, 3*time.Second, 10*time.Millisecond)

	// Status pushes carry this node's clock and digest.
	var push core.PeerStatusPayload
	for _, call := range fx.transport.Calls() {
		if call.Kind == core.PayloadPeerStatus {
			require.NoError(t, json.Unmarshal(call.Payload, &push))
			break
		}
	}
	assert.Equal(t, "node-a", push.PeerID)
	assert.Equal(t, core.PeerOnline, push.Status)
	assert.Equal(t, vclock.DigestMap(push.Clock), push.ClockDigest)
}

func TestManagerCloseIsIdempotentAndFinal(t *testing.T) {
	fx := newManagerFixture(t, nil)

	require.NoError(t, fx.manager.Close())
	require.NoError(t, fx.manager.Close())

	assert.PanicsWithValue(t, "metarepl: use of closed Manager", func() {
		_, _ = fx.manager.Replicate(context.Background(), testEntry("entry-1"))
	})
	assert.PanicsWithValue(t, "metarepl: use of closed Manager", func() {
		fx.manager.RegisterPeer("w1", core.RoleWorker, nil)
	})
}
