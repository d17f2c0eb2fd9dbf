// Package testutil provides in-memory collaborator fakes shared by the
// package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftfs/metarepl/core"
)

// ReplicateCall records one ReplicateToPeer invocation on a FakeTransport.
type ReplicateCall struct {
	PeerID  string
	Payload []byte
	Kind    core.PayloadKind
}

// FakeTransport is an in-memory core.ReplicationTransport. Outcomes are
// configured per peer id, with Default used for unconfigured peers.
type FakeTransport struct {
	mu        sync.Mutex
	calls     []ReplicateCall
	Responses map[string]bool
	Default   bool
	InitErr   error
	initCalls int
}

var _ core.ReplicationTransport = (*FakeTransport)(nil)

// NewFakeTransport returns a transport whose unconfigured peers all report
// the given default outcome.
func NewFakeTransport(defaultOK bool) *FakeTransport {
	return &FakeTransport{Responses: make(map[string]bool), Default: defaultOK}
}

func (f *FakeTransport) ReplicateToPeer(_ context.Context, peerID string, payload []byte, kind core.PayloadKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ReplicateCall{PeerID: peerID, Payload: payload, Kind: kind})
	if ok, configured := f.Responses[peerID]; configured {
		return ok
	}
	return f.Default
}

func (f *FakeTransport) InitializeDistributedState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.InitErr
}

// Calls returns a snapshot of all recorded invocations.
func (f *FakeTransport) Calls() []ReplicateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReplicateCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns how many replication attempts targeted peerID.
func (f *FakeTransport) CallsTo(peerID string) int {
	n := 0
	for _, call := range f.Calls() {
		if call.PeerID == peerID {
			n++
		}
	}
	return n
}

// EntryCalls returns only the journal-entry replication attempts,
// filtering out sync-loop peer-status pushes.
func (f *FakeTransport) EntryCalls() []ReplicateCall {
	var out []ReplicateCall
	for _, call := range f.Calls() {
		if call.Kind == core.PayloadJournalEntry {
			out = append(out, call)
		}
	}
	return out
}

// InitCalls returns how often InitializeDistributedState was called.
func (f *FakeTransport) InitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

// FakeJournal is an in-memory core.JournalManager.
type FakeJournal struct {
	mu            sync.Mutex
	State         []byte
	CheckpointErr error
	RecoverErr    error
	RecoverCalls  int
	Recovered     []byte
}

var _ core.JournalManager = (*FakeJournal)(nil)

func (f *FakeJournal) CheckpointState(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CheckpointErr != nil {
		return nil, f.CheckpointErr
	}
	out := make([]byte, len(f.State))
	copy(out, f.State)
	return out, nil
}

func (f *FakeJournal) Recover(_ context.Context, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RecoverCalls++
	if f.RecoverErr != nil {
		return f.RecoverErr
	}
	f.Recovered = make([]byte, len(state))
	copy(f.Recovered, state)
	return nil
}

// TierWrite records one write or move on a FakeTiered backend.
type TierWrite struct {
	ContentID string
	Tier      core.StorageTier
}

// FakeTiered is an in-memory core.TieredBackend.
type FakeTiered struct {
	mu       sync.Mutex
	StoreErr error
	MoveErr  error
	nextID   int
	Writes   []TierWrite
	Content  map[string][]byte
}

var _ core.TieredBackend = (*FakeTiered)(nil)

func (f *FakeTiered) StoreContent(_ context.Context, content []byte, tier core.StorageTier) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StoreErr != nil {
		return "", f.StoreErr
	}
	f.nextID++
	id := fmt.Sprintf("content-%d", f.nextID)
	if f.Content == nil {
		f.Content = make(map[string][]byte)
	}
	f.Content[id] = content
	f.Writes = append(f.Writes, TierWrite{ContentID: id, Tier: tier})
	return id, nil
}

func (f *FakeTiered) MoveContentToTier(_ context.Context, contentID string, tier core.StorageTier) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MoveErr != nil {
		return "", f.MoveErr
	}
	f.Writes = append(f.Writes, TierWrite{ContentID: contentID, Tier: tier})
	return contentID, nil
}
