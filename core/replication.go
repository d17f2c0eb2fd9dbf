package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReplicationLevel selects the durability/redundancy policy for one
// replication operation.
type ReplicationLevel int

const (
	// LevelLocalDurability persists the entry on this node only.
	LevelLocalDurability ReplicationLevel = iota
	// LevelSingle replicates to the registered master, falling back to
	// the local node when no master is known.
	LevelSingle
	// LevelQuorum replicates to all eligible peers and succeeds once the
	// quorum threshold of acknowledgements (including self) is reached.
	LevelQuorum
	// LevelAll replicates to every eligible peer; one success suffices.
	LevelAll
	// LevelTiered places the entry across storage tiers instead of peers.
	LevelTiered
	// LevelProgressive escalates quorum -> all, stopping at the first
	// step that fully completes.
	LevelProgressive
)

var levelNames = map[ReplicationLevel]string{
	LevelLocalDurability: "local_durability",
	LevelSingle:          "single",
	LevelQuorum:          "quorum",
	LevelAll:             "all",
	LevelTiered:          "tiered",
	LevelProgressive:     "progressive",
}

func (l ReplicationLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("replication_level(%d)", int(l))
}

// ParseReplicationLevel converts the serialized form back to a level.
func ParseReplicationLevel(s string) (ReplicationLevel, error) {
	for level, name := range levelNames {
		if name == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown replication level %q", s)
}

func (l ReplicationLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *ReplicationLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := ParseReplicationLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// ReplicationStatus is the aggregate outcome of one replication operation.
type ReplicationStatus int

const (
	StatusInProgress ReplicationStatus = iota
	StatusComplete
	StatusPartial
	StatusFailed
)

var statusNames = map[ReplicationStatus]string{
	StatusInProgress: "in_progress",
	StatusComplete:   "complete",
	StatusPartial:    "partial",
	StatusFailed:     "failed",
}

func (s ReplicationStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("replication_status(%d)", int(s))
}

// ParseReplicationStatus converts the serialized form back to a status.
func ParseReplicationStatus(s string) (ReplicationStatus, error) {
	for status, name := range statusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown replication status %q", s)
}

func (s ReplicationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ReplicationStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	status, err := ParseReplicationStatus(name)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// LocalDurability records the outcome of the local write-ahead persistence
// step of a replication operation.
type LocalDurability struct {
	Status ReplicationStatus `json:"status"`
	Path   string            `json:"path,omitempty"`
}

// ReplicationResult is the structured outcome every replication call
// returns. Callers branch on Success and Status; a missed quorum is a
// failed result, not an error.
type ReplicationResult struct {
	Success         bool              `json:"success"`
	Status          ReplicationStatus `json:"status"`
	ReplicationID   string            `json:"replication_id"`
	EntryID         string            `json:"entry_id"`
	Timestamp       time.Time         `json:"timestamp"`
	TargetCount     int               `json:"target_count"`
	SuccessCount    int               `json:"success_count"`
	FailureCount    int               `json:"failure_count"`
	LocalDurability *LocalDurability  `json:"local_durability,omitempty"`
}

// PayloadKind tags the payloads handed to the replication transport.
type PayloadKind string

const (
	PayloadJournalEntry PayloadKind = "journal_entry"
	PayloadPeerStatus   PayloadKind = "peer_status"
)

// ReplicationPayload is the logical message delivered to a peer for a
// journal-entry replication. The transport owns its wire encoding.
type ReplicationPayload struct {
	Entry         JournalEntry      `json:"entry"`
	ReplicationID string            `json:"replication_id"`
	OriginNode    string            `json:"origin_node"`
	Clock         map[string]uint64 `json:"vector_clock"`
	ClockDigest   string            `json:"clock_digest"`
}

// PeerStatusPayload is the sync-loop message a node pushes to its peers to
// advertise liveness, role, and resource headroom.
type PeerStatusPayload struct {
	PeerID      string            `json:"peer_id"`
	Role        PeerRole          `json:"role"`
	Status      PeerStatus        `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Resources   *ResourceSnapshot `json:"resources,omitempty"`
	Clock       map[string]uint64 `json:"vector_clock"`
	ClockDigest string            `json:"clock_digest"`
	SentAt      time.Time         `json:"sent_at"`
}
