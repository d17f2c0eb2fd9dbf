// Package replication implements the metadata replication core: local
// write-ahead durability, policy-driven peer fan-out, and the manager
// façade that ties peers, checkpoints, and the vector clock together.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftfs/metarepl/checkpoint"
	"github.com/driftfs/metarepl/config"
	"github.com/driftfs/metarepl/core"
	"github.com/driftfs/metarepl/metrics"
	"github.com/driftfs/metarepl/peers"
	"github.com/driftfs/metarepl/vclock"
)

// Manager is the public façade of the replication subsystem. It owns the
// peer registry, checkpoint store, vector clock, and replication engine,
// and runs the sync and checkpoint background loops on independent timers.
type Manager struct {
	cfg       config.ReplicationConfig
	nodeID    string
	role      core.PeerRole
	logger    *slog.Logger
	registry  *peers.Registry
	clock     *vclock.Clock
	engine    *Engine
	store     *checkpoint.Store
	transport core.ReplicationTransport
	statePath string

	syncInterval       time.Duration
	checkpointInterval time.Duration

	stateMu  sync.Mutex // serializes state-file writes
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	closed   atomic.Bool
}

// managerState is the persisted shape of the manager's operating state.
type managerState struct {
	NodeID      string            `json:"node_id"`
	SavedAt     time.Time         `json:"saved_at"`
	Peers       []core.PeerInfo   `json:"peers"`
	Clock       map[string]uint64 `json:"vector_clock"`
	ClockDigest string            `json:"clock_digest"`
}

// NewManager validates the config, prepares the on-disk layout, reloads
// any persisted state, and starts the background loops. The collaborators
// are injected and remain owned by the caller.
func NewManager(journal core.JournalManager, tiered core.TieredBackend, transport core.ReplicationTransport,
	nodeID string, role core.PeerRole, cfg config.ReplicationConfig, logger *slog.Logger) (*Manager, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	if journal == nil {
		return nil, fmt.Errorf("journal manager must not be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("replication transport must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid replication config: %w", err)
	}

	for _, sub := range []string{"metadata", "checkpoints", "state"} {
		if err := os.MkdirAll(filepath.Join(cfg.BasePath, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	durability, err := NewDurabilityStore(filepath.Join(cfg.BasePath, "metadata"))
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.NewStore(filepath.Join(cfg.BasePath, "checkpoints"), nodeID, journal, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		nodeID:    nodeID,
		role:      role,
		logger:    logger.With("component", "replication_manager", "node_id", nodeID),
		registry:  peers.NewRegistry(logger),
		clock:     vclock.New(nodeID),
		store:     store,
		transport: transport,
		statePath: filepath.Join(cfg.BasePath, "state", nodeID+".json"),
		stopCh:    make(chan struct{}),
	}

	// Best effort: a missing or corrupt state file means starting from
	// empty peer knowledge, not a construction failure. Peers will
	// re-announce through the sync path.
	if err := m.loadState(); err != nil {
		m.logger.Warn("starting with empty replication state", "error", err)
	}

	m.engine = NewEngine(nodeID, m.registry, transport, tiered, m.clock, durability,
		cfg.QuorumSize, cfg.TierList(), logger)

	if err := transport.InitializeDistributedState(context.Background()); err != nil {
		m.logger.Warn("distributed state initialization failed, peers will discover this node via sync", "error", err)
	}

	m.syncInterval = config.ParseDuration(cfg.SyncInterval, 30*time.Second, m.logger)
	m.checkpointInterval = config.ParseDuration(cfg.CheckpointInterval, 5*time.Minute, m.logger)

	m.wg.Add(2)
	go m.syncLoop()
	go m.checkpointLoop()

	m.logger.Info("replication manager started",
		"role", role,
		"default_level", cfg.DefaultLevel,
		"quorum_floor", cfg.QuorumSize,
		"sync_interval", m.syncInterval,
		"checkpoint_interval", m.checkpointInterval)
	return m, nil
}

// RegisterPeer adds or overwrites a peer record. The quorum threshold is
// re-derived whenever cluster composition changes.
func (m *Manager) RegisterPeer(peerID string, role core.PeerRole, metadata map[string]string) bool {
	m.checkOpen()
	before := m.QuorumSize()
	ok := m.registry.RegisterPeer(peerID, role, metadata)
	if after := m.QuorumSize(); ok && after != before {
		m.logger.Info("quorum size changed", "previous", before, "current", after)
	}
	metrics.KnownPeers.Set(float64(len(m.registry.Peers())))
	return ok
}

// UpdatePeerStatus merges a status update into an existing peer record,
// returning false for unknown peers.
func (m *Manager) UpdatePeerStatus(peerID string, update core.PeerStatusUpdate) bool {
	m.checkOpen()
	return m.registry.UpdatePeerStatus(peerID, update)
}

// Replicate replicates using the configured default level.
func (m *Manager) Replicate(ctx context.Context, entry core.JournalEntry) (core.ReplicationResult, error) {
	return m.ReplicateJournalEntry(ctx, entry, m.cfg.Level())
}

// ReplicateJournalEntry is the main entry point: local durability first,
// then level-specific fan-out. See Engine.Replicate for the semantics.
func (m *Manager) ReplicateJournalEntry(ctx context.Context, entry core.JournalEntry, level core.ReplicationLevel) (core.ReplicationResult, error) {
	m.checkOpen()
	return m.engine.Replicate(ctx, entry, level)
}

// CreateCheckpoint snapshots the journal state into a new checkpoint and
// returns its id.
func (m *Manager) CreateCheckpoint(ctx context.Context) (string, error) {
	m.checkOpen()
	id, err := m.store.Create(ctx)
	if err != nil {
		metrics.CheckpointFailuresTotal.Inc()
		return "", err
	}
	metrics.CheckpointsCreatedTotal.Inc()
	return id, nil
}

// RecoverFromCheckpoint rebuilds journal state from a stored checkpoint.
func (m *Manager) RecoverFromCheckpoint(ctx context.Context, checkpointID string) error {
	m.checkOpen()
	return m.store.Recover(ctx, checkpointID)
}

// ListCheckpoints returns the persisted checkpoints, oldest first.
func (m *Manager) ListCheckpoints() ([]checkpoint.Checkpoint, error) {
	m.checkOpen()
	return m.store.List()
}

// QuorumSize is the effective quorum threshold for the current cluster.
func (m *Manager) QuorumSize() int {
	q := m.registry.QuorumSize()
	if m.cfg.QuorumSize > q {
		return m.cfg.QuorumSize
	}
	return q
}

// ClockSnapshot returns the current vector clock counters.
func (m *Manager) ClockSnapshot() map[string]uint64 {
	return m.clock.ToMap()
}

// ApplyReplicatedEntry is the receive side of replication: it persists an
// entry delivered by a remote origin through the local durability store
// and merges the origin's clock, making the delivery a local causal event.
func (m *Manager) ApplyReplicatedEntry(_ context.Context, payload core.ReplicationPayload) error {
	m.checkOpen()
	if _, err := m.engine.durability.Persist(payload.Entry, payload.ReplicationID, core.LevelLocalDurability); err != nil {
		return &core.LocalDurabilityError{EntryID: payload.Entry.EntryID, Err: err}
	}
	if len(payload.Clock) > 0 {
		m.clock.MergeMap(payload.Clock)
	}
	m.logger.Debug("applied replicated entry",
		"entry_id", payload.Entry.EntryID, "origin", payload.OriginNode)
	return nil
}

// HandlePeerStatus ingests a peer's sync-loop status push, registering the
// peer if it is new and merging its clock into ours.
func (m *Manager) HandlePeerStatus(status core.PeerStatusPayload) {
	m.checkOpen()
	update := core.PeerStatusUpdate{
		Status:    status.Status,
		Role:      status.Role,
		Metadata:  status.Metadata,
		Resources: status.Resources,
	}
	if !m.registry.UpdatePeerStatus(status.PeerID, update) {
		m.registry.RegisterPeer(status.PeerID, status.Role, status.Metadata)
		m.registry.UpdatePeerStatus(status.PeerID, update)
	}
	if len(status.Clock) > 0 {
		m.clock.MergeMap(status.Clock)
	}
	metrics.KnownPeers.Set(float64(len(m.registry.Peers())))
}

// Close stops both background loops, waits for them, and flushes the
// manager's operating state to disk. Any call into the manager after
// Close is a programmer error and panics.
func (m *Manager) Close() error {
	var saveErr error
	m.stopOnce.Do(func() {
		m.logger.Info("stopping replication manager")
		m.closed.Store(true)
		close(m.stopCh)
		m.wg.Wait()
		saveErr = m.saveState()
		if saveErr == nil {
			m.logger.Info("replication manager stopped")
		}
	})
	return saveErr
}

func (m *Manager) checkOpen() {
	if m.closed.Load() {
		panic("metarepl: use of closed Manager")
	}
}

// syncLoop periodically pushes this node's status (role, liveness,
// resources, clock) to all eligible peers and flushes operating state.
// It never touches the replication-attempt path.
func (m *Manager) syncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.syncCycle()
		}
	}
}

func (m *Manager) syncCycle() {
	clockMap := m.clock.ToMap()
	payload, err := json.Marshal(&core.PeerStatusPayload{
		PeerID:      m.nodeID,
		Role:        m.role,
		Status:      core.PeerOnline,
		Resources:   peers.SampleResources(),
		Clock:       clockMap,
		ClockDigest: vclock.DigestMap(clockMap),
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("failed to encode peer status payload", "error", err)
		return
	}

	for _, peerID := range m.registry.EligiblePeers() {
		if !m.transport.ReplicateToPeer(context.Background(), peerID, payload, core.PayloadPeerStatus) {
			m.logger.Debug("peer status push not acknowledged", "peer_id", peerID)
		}
	}

	if err := m.saveState(); err != nil {
		m.logger.Warn("periodic state flush failed", "error", err)
	}
	metrics.SyncCyclesTotal.Inc()
}

// checkpointLoop periodically creates checkpoints, pruning old ones when
// retention is configured. Failures are logged and retried on the next
// scheduled tick; they never terminate the loop.
func (m *Manager) checkpointLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			id, err := m.store.Create(context.Background())
			if err != nil {
				metrics.CheckpointFailuresTotal.Inc()
				m.logger.Error("scheduled checkpoint failed, will retry next interval", "error", err)
				continue
			}
			metrics.CheckpointsCreatedTotal.Inc()
			m.logger.Debug("scheduled checkpoint created", "checkpoint_id", id)

			if m.cfg.CheckpointKeep > 0 {
				if _, err := m.store.Prune(m.cfg.CheckpointKeep); err != nil {
					m.logger.Warn("checkpoint pruning failed", "error", err)
				}
			}
		}
	}
}

// saveState serializes the peer table and vector clock so a restart can
// resume prior peer knowledge and clock position.
func (m *Manager) saveState() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	clockMap := m.clock.ToMap()
	state := managerState{
		NodeID:      m.nodeID,
		SavedAt:     time.Now().UTC(),
		Peers:       m.registry.Peers(),
		Clock:       clockMap,
		ClockDigest: vclock.DigestMap(clockMap),
	}
	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manager state: %w", err)
	}
	if err := writeFileSynced(m.statePath, data); err != nil {
		return fmt.Errorf("failed to write manager state: %w", err)
	}
	return nil
}

// loadState reloads a prior state file. Missing files are a fresh start;
// corrupt files are reported as a StateLoadError for the caller to log.
func (m *Manager) loadState() error {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &core.StateLoadError{Path: m.statePath, Err: err}
	}

	var state managerState
	if err := json.Unmarshal(data, &state); err != nil {
		return &core.StateLoadError{Path: m.statePath, Err: err}
	}
	if state.ClockDigest != "" && vclock.DigestMap(state.Clock) != state.ClockDigest {
		return &core.StateLoadError{Path: m.statePath, Err: fmt.Errorf("vector clock digest mismatch")}
	}

	m.registry.Restore(state.Peers)
	m.clock = vclock.FromMap(m.nodeID, state.Clock)
	m.logger.Info("resumed replication state", "peers", len(state.Peers), "saved_at", state.SavedAt)
	return nil
}
