// Package peers tracks cluster membership for the replication layer and
// derives the quorum size from the set of eligible peers.
package peers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driftfs/metarepl/core"
)

// minQuorum is the replication floor: even 1- and 2-node clusters require
// three acknowledgements before a quorum-level write counts as met.
const minQuorum = 3

// Registry holds the known remote peers. Records are never hard-deleted;
// stale peers stay visible with a stale UpdatedAt and any staleness policy
// is an operational concern outside this package.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*core.PeerInfo
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		peers:  make(map[string]*core.PeerInfo),
		logger: logger.With("component", "peer_registry"),
	}
}

// RegisterPeer inserts or overwrites a peer record. Re-registration is
// allowed and replaces the stored metadata.
func (r *Registry) RegisterPeer(peerID string, role core.PeerRole, metadata map[string]string) bool {
	if peerID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peerID] = &core.PeerInfo{
		PeerID:    peerID,
		Role:      role,
		Status:    core.PeerUnknown,
		Metadata:  copyMetadata(metadata),
		UpdatedAt: time.Now().UTC(),
	}
	r.logger.Debug("peer registered", "peer_id", peerID, "role", role)
	return true
}

// UpdatePeerStatus merges update fields into an existing record. It fails
// softly, returning false when the peer is unknown.
func (r *Registry) UpdatePeerStatus(peerID string, update core.PeerStatusUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		r.logger.Warn("status update for unknown peer ignored", "peer_id", peerID)
		return false
	}

	if update.Status != "" {
		peer.Status = update.Status
	}
	if update.Role != "" {
		peer.Role = update.Role
	}
	if update.Resources != nil {
		peer.Resources = update.Resources
	}
	if len(update.Metadata) > 0 {
		if peer.Metadata == nil {
			peer.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			peer.Metadata[k] = v
		}
	}
	peer.UpdatedAt = time.Now().UTC()
	return true
}

// Peer returns a copy of one record.
func (r *Registry) Peer(peerID string) (core.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return core.PeerInfo{}, false
	}
	return clonePeer(peer), true
}

// Peers returns a snapshot of every record, sorted by peer id for
// deterministic persistence.
func (r *Registry) Peers() []core.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, clonePeer(peer))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// EligiblePeers returns the ids of peers whose role is in roles, sorted.
// With no roles given it defaults to the replication-eligible set
// (master and worker); leechers are never included unless asked for.
func (r *Registry) EligiblePeers(roles ...core.PeerRole) []string {
	if len(roles) == 0 {
		roles = core.EligibleRoles
	}
	wanted := make(map[core.PeerRole]struct{}, len(roles))
	for _, role := range roles {
		wanted[role] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, peer := range r.peers {
		if _, ok := wanted[peer.Role]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Master returns the id of a registered master peer, if any. When several
// masters are registered the lexicographically first is chosen so the
// selection is stable.
func (r *Registry) Master() (string, bool) {
	masters := r.EligiblePeers(core.RoleMaster)
	if len(masters) == 0 {
		return "", false
	}
	return masters[0], true
}

// ClusterSize counts the replication-eligible peers (master and worker).
func (r *Registry) ClusterSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, peer := range r.peers {
		if peer.Role == core.RoleMaster || peer.Role == core.RoleWorker {
			n++
		}
	}
	return n
}

// QuorumSize derives the quorum threshold from the eligible cluster size:
// max(3, n/2+1). The floor of three holds regardless of cluster size, so
// solo nodes cannot satisfy quorum.
func (r *Registry) QuorumSize() int {
	return QuorumForSize(r.ClusterSize())
}

// QuorumForSize computes the quorum threshold for an eligible cluster of n
// peers.
func QuorumForSize(n int) int {
	q := n/2 + 1
	if q < minQuorum {
		return minQuorum
	}
	return q
}

// Restore replaces the registry contents with previously persisted
// records, used when reloading manager state after a restart.
func (r *Registry) Restore(peers []core.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = make(map[string]*core.PeerInfo, len(peers))
	for i := range peers {
		peer := clonePeer(&peers[i])
		r.peers[peer.PeerID] = &peer
	}
	r.logger.Debug("peer table restored", "peers", len(peers))
}

func clonePeer(p *core.PeerInfo) core.PeerInfo {
	out := *p
	out.Metadata = copyMetadata(p.Metadata)
	if p.Resources != nil {
		res := *p.Resources
		out.Resources = &res
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
