package core

import "time"

// PeerRole classifies a cluster member. Leechers consume replicated data
// but are never replication targets.
type PeerRole string

const (
	RoleMaster  PeerRole = "master"
	RoleWorker  PeerRole = "worker"
	RoleLeecher PeerRole = "leecher"
)

// EligibleRoles are the roles that may receive replicated entries.
var EligibleRoles = []PeerRole{RoleMaster, RoleWorker}

// PeerStatus is the last observed liveness of a peer.
type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerOffline PeerStatus = "offline"
	PeerUnknown PeerStatus = "unknown"
)

// ResourceSnapshot is a point-in-time view of a node's resource headroom,
// carried alongside peer status updates.
type ResourceSnapshot struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	SampledAt  time.Time `json:"sampled_at"`
}

// PeerInfo is one registry record. Records are created on registration and
// mutated in place by status updates; stale peers stay visible with a stale
// UpdatedAt rather than being silently dropped.
type PeerInfo struct {
	PeerID    string            `json:"peer_id"`
	Role      PeerRole          `json:"role"`
	Status    PeerStatus        `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Resources *ResourceSnapshot `json:"resources,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PeerStatusUpdate carries the fields merged into an existing PeerInfo by
// an update. Zero-valued fields leave the record's field unchanged;
// Metadata keys are merged into the existing map.
type PeerStatusUpdate struct {
	Status    PeerStatus
	Role      PeerRole
	Metadata  map[string]string
	Resources *ResourceSnapshot
}
