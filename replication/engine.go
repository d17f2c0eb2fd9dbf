package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/driftfs/metarepl/core"
	"github.com/driftfs/metarepl/metrics"
	"github.com/driftfs/metarepl/peers"
	"github.com/driftfs/metarepl/vclock"
)

// Engine drives one replication operation: it persists the entry locally,
// selects targets according to the requested level, fans attempts out to
// peers, and aggregates the outcomes into a ReplicationResult.
type Engine struct {
	nodeID     string
	registry   *peers.Registry
	transport  core.ReplicationTransport
	tiered     core.TieredBackend
	clock      *vclock.Clock
	durability *DurabilityStore
	minQuorum  int
	tiers      []core.StorageTier
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeReplication
}

// activeReplication is the in-flight bookkeeping for one call. Each record
// is owned exclusively by the call that created it and is removed before
// that call returns.
type activeReplication struct {
	EntryID   string
	Level     core.ReplicationLevel
	Step      core.ReplicationLevel
	StartedAt time.Time
}

// outcome is the per-level aggregation before it is shaped into a result.
type outcome struct {
	targets   int
	successes int
	failures  int
	status    core.ReplicationStatus
	success   bool
}

// NewEngine wires an engine over its collaborators. minQuorum is the
// configured quorum floor; the derived cluster quorum applies when larger.
func NewEngine(nodeID string, registry *peers.Registry, transport core.ReplicationTransport, tiered core.TieredBackend,
	clock *vclock.Clock, durability *DurabilityStore, minQuorum int, tiers []core.StorageTier, logger *slog.Logger) *Engine {
	if minQuorum < 3 {
		minQuorum = 3
	}
	return &Engine{
		nodeID:     nodeID,
		registry:   registry,
		transport:  transport,
		tiered:     tiered,
		clock:      clock,
		durability: durability,
		minQuorum:  minQuorum,
		tiers:      tiers,
		logger:     logger.With("component", "replication_engine"),
		active:     make(map[string]*activeReplication),
	}
}

// Replicate performs one replication operation at the given level. Local
// durability always comes first: if the local write fails, no peer is
// contacted and the call fails with a LocalDurabilityError. A missed
// quorum is reported through the result, not as an error.
func (e *Engine) Replicate(ctx context.Context, entry core.JournalEntry, level core.ReplicationLevel) (core.ReplicationResult, error) {
	replicationID := uuid.NewString()
	e.track(replicationID, entry.EntryID, level)
	defer e.untrack(replicationID)

	result := core.ReplicationResult{
		Status:        core.StatusInProgress,
		ReplicationID: replicationID,
		EntryID:       entry.EntryID,
		Timestamp:     time.Now().UTC(),
	}

	start := time.Now()
	path, err := e.durability.Persist(entry, replicationID, level)
	if err != nil {
		result.Status = core.StatusFailed
		result.FailureCount = 1
		metrics.ReplicationAttemptsTotal.WithLabelValues(level.String(), result.Status.String()).Inc()
		e.logger.Error("local durability failed, aborting replication",
			"entry_id", entry.EntryID, "replication_id", replicationID, "error", err)
		return result, &core.LocalDurabilityError{EntryID: entry.EntryID, Err: err}
	}
	metrics.LocalDurabilityDuration.Observe(time.Since(start).Seconds())

	// Every attempt that reached local durability is a causal event at
	// this node, whatever the remote outcome.
	defer e.clock.Tick()

	payload, err := e.encodePayload(entry, replicationID)
	if err != nil {
		result.Status = core.StatusFailed
		result.FailureCount = 1
		metrics.ReplicationAttemptsTotal.WithLabelValues(level.String(), result.Status.String()).Inc()
		return result, fmt.Errorf("failed to encode replication payload for %s: %w", entry.EntryID, err)
	}

	out := e.runLevel(ctx, replicationID, payload, level)

	result.Success = out.success
	result.Status = out.status
	result.TargetCount = out.targets
	result.SuccessCount = out.successes
	result.FailureCount = out.failures
	if level == core.LevelLocalDurability {
		result.LocalDurability = &core.LocalDurability{Status: core.StatusComplete, Path: path}
	}

	metrics.ReplicationAttemptsTotal.WithLabelValues(level.String(), result.Status.String()).Inc()
	e.logger.Info("replication finished",
		"entry_id", entry.EntryID,
		"replication_id", replicationID,
		"level", level.String(),
		"status", result.Status.String(),
		"targets", result.TargetCount,
		"successes", result.SuccessCount,
		"failures", result.FailureCount)
	return result, nil
}

// ActiveCount reports how many replication calls are currently in flight.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) runLevel(ctx context.Context, replicationID string, payload []byte, level core.ReplicationLevel) outcome {
	switch level {
	case core.LevelLocalDurability:
		// Self is the only target; durability already succeeded.
		return outcome{targets: 1, successes: 1, status: core.StatusComplete, success: true}
	case core.LevelSingle:
		return e.runSingle(ctx, payload)
	case core.LevelQuorum:
		return e.runQuorum(ctx, payload)
	case core.LevelAll:
		return e.runAll(ctx, payload)
	case core.LevelTiered:
		return e.runTiered(ctx, payload)
	case core.LevelProgressive:
		return e.runProgressive(ctx, replicationID, payload)
	default:
		e.logger.Error("unknown replication level", "level", int(level))
		return outcome{status: core.StatusFailed}
	}
}

func (e *Engine) runSingle(ctx context.Context, payload []byte) outcome {
	master, ok := e.registry.Master()
	if !ok {
		// No master registered: fall back to self, which is already
		// durable.
		return outcome{targets: 1, successes: 1, status: core.StatusComplete, success: true}
	}

	if e.transport.ReplicateToPeer(ctx, master, payload, core.PayloadJournalEntry) {
		return outcome{targets: 1, successes: 1, status: core.StatusComplete, success: true}
	}
	metrics.PeerFailuresTotal.WithLabelValues(master).Inc()
	e.logger.Warn("replication to master failed", "peer_id", master)
	return outcome{targets: 1, failures: 1, status: core.StatusFailed}
}

func (e *Engine) runQuorum(ctx context.Context, payload []byte) outcome {
	targets := e.registry.EligiblePeers()
	succ, fail := e.fanOut(ctx, targets, payload)

	out := outcome{
		targets:   len(targets) + 1, // self included
		successes: succ + 1,         // local durability counts
		failures:  fail,
	}
	quorum := e.quorumSize()
	out.success = out.successes >= quorum
	switch {
	case !out.success:
		out.status = core.StatusFailed
	case out.successes == out.targets:
		out.status = core.StatusComplete
	default:
		out.status = core.StatusPartial
	}
	return out
}

func (e *Engine) runAll(ctx context.Context, payload []byte) outcome {
	targets := e.registry.EligiblePeers()
	succ, fail := e.fanOut(ctx, targets, payload)

	out := outcome{
		targets:   len(targets) + 1,
		successes: succ + 1,
		failures:  fail,
	}
	// Local durability already succeeded, so at least one target holds
	// the entry.
	out.success = out.successes > 0
	switch {
	case out.successes == out.targets:
		out.status = core.StatusComplete
	case out.successes > 0:
		out.status = core.StatusPartial
	default:
		out.status = core.StatusFailed
	}
	return out
}

// runTiered places the payload across the configured storage tiers instead
// of fanning out to peers. The peer registry is never consulted here.
func (e *Engine) runTiered(ctx context.Context, payload []byte) outcome {
	if e.tiered == nil || len(e.tiers) == 0 {
		e.logger.Warn("tiered replication requested without a tiered backend")
		return outcome{status: core.StatusFailed}
	}

	out := outcome{targets: len(e.tiers)}

	contentID, err := e.tiered.StoreContent(ctx, payload, e.tiers[0])
	if err != nil {
		e.logger.Warn("tiered store failed", "tier", e.tiers[0], "error", err)
		out.failures = len(e.tiers)
		out.status = core.StatusFailed
		return out
	}
	out.successes = 1

	for _, tier := range e.tiers[1:] {
		if _, err := e.tiered.MoveContentToTier(ctx, contentID, tier); err != nil {
			e.logger.Warn("tier move failed", "tier", tier, "content_id", contentID, "error", err)
			out.failures++
			continue
		}
		out.successes++
	}

	out.success = out.successes > 0
	switch {
	case out.successes == out.targets:
		out.status = core.StatusComplete
	case out.successes > 0:
		out.status = core.StatusPartial
	default:
		out.status = core.StatusFailed
	}
	return out
}

// runProgressive escalates through redundancy steps, stopping at the first
// one that fully completes. Local durability is the implicit first step
// (it already succeeded before any level runs), so escalation proceeds
// quorum -> all. When no step completes, the best outcome achieved wins.
func (e *Engine) runProgressive(ctx context.Context, replicationID string, payload []byte) outcome {
	steps := []core.ReplicationLevel{core.LevelQuorum, core.LevelAll}

	best := outcome{status: core.StatusFailed}
	for _, step := range steps {
		e.setStep(replicationID, step)
		out := e.runLevel(ctx, replicationID, payload, step)
		if out.status == core.StatusComplete {
			return out
		}
		if statusRank(out.status) > statusRank(best.status) ||
			(statusRank(out.status) == statusRank(best.status) && out.successes > best.successes) {
			best = out
		}
	}
	return best
}

// fanOut issues one replication attempt per peer concurrently and waits
// for all of them to settle. Attempts to different peers are independent,
// so no ordering is imposed among them.
func (e *Engine) fanOut(ctx context.Context, peerIDs []string, payload []byte) (successes, failures int) {
	if len(peerIDs) == 0 {
		return 0, 0
	}

	var succ, fail atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, peerID := range peerIDs {
		peerID := peerID
		g.Go(func() error {
			if e.transport.ReplicateToPeer(ctx, peerID, payload, core.PayloadJournalEntry) {
				succ.Add(1)
				return nil
			}
			fail.Add(1)
			metrics.PeerFailuresTotal.WithLabelValues(peerID).Inc()
			e.logger.Warn("peer replication attempt failed", "peer_id", peerID)
			return nil
		})
	}
	g.Wait()
	return int(succ.Load()), int(fail.Load())
}

func (e *Engine) encodePayload(entry core.JournalEntry, replicationID string) ([]byte, error) {
	clockMap := e.clock.ToMap()
	return json.Marshal(&core.ReplicationPayload{
		Entry:         entry,
		ReplicationID: replicationID,
		OriginNode:    e.nodeID,
		Clock:         clockMap,
		ClockDigest:   vclock.DigestMap(clockMap),
	})
}

// quorumSize is the effective acknowledgement threshold: the larger of the
// configured floor and the cluster-derived quorum.
func (e *Engine) quorumSize() int {
	q := e.registry.QuorumSize()
	if e.minQuorum > q {
		return e.minQuorum
	}
	return q
}

func (e *Engine) track(replicationID, entryID string, level core.ReplicationLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[replicationID] = &activeReplication{
		EntryID:   entryID,
		Level:     level,
		Step:      level,
		StartedAt: time.Now().UTC(),
	}
}

func (e *Engine) setStep(replicationID string, step core.ReplicationLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.active[replicationID]; ok {
		rec.Step = step
	}
}

func (e *Engine) untrack(replicationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, replicationID)
}

func statusRank(s core.ReplicationStatus) int {
	switch s {
	case core.StatusComplete:
		return 3
	case core.StatusPartial:
		return 2
	case core.StatusInProgress:
		return 1
	default:
		return 0
	}
}
