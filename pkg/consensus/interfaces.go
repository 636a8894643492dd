package consensus

import (
	"context"
	"time"

	"tabletraft/pkg/types"
)

// Log is the durable write-ahead log of the replica.
type Log interface {
	// Append writes entries asynchronously and calls done once they are durable.
	// Entries whose index is not past the last entry overwrite the log suffix.
	Append(entries []*ReplicateMsg, committed types.OpID, done func(error)) error
	LatestEntryOpID() types.OpID
	// WaitForSafeOpIDToApply blocks until the log is durable through min and
	// returns the durable OpID. A zero timeout waits forever.
	WaitForSafeOpIDToApply(min types.OpID, timeout time.Duration) (types.OpID, error)
	// ReadOps returns entries with index > after, bounded by maxBytes.
	// ErrNotFound means the entries are no longer retained.
	ReadOps(after types.LogIndex, maxBytes int) ([]*ReplicateMsg, error)
}

// BootstrapInfo is what the log replay hands to Start.
type BootstrapInfo struct {
	LastID        types.OpID
	LastCommitted types.OpID
	// OrphanedReplicates are entries past LastCommitted that must re-enter the pending window.
	OrphanedReplicates []*ReplicateMsg
}

// ConsensusContext is the state machine driven by the replica.
type ConsensusContext interface {
	// PrepareOperation is called on followers for every WRITE entry received.
	// It must install the callback that applies the entry.
	PrepareOperation(round *ConsensusRound) error
	// ShouldApplyWrite returns false to delay applying writes under pressure.
	ShouldApplyWrite() bool
	ChangeConfigReplicated(cfg RaftConfig)
	MajorityReplicated()
}

// PeerProxy is the RPC client of one remote replica.
type PeerProxy interface {
	UpdateConsensus(ctx context.Context, req *ConsensusRequest) (*ConsensusResponse, error)
	RequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	StartRemoteBootstrap(ctx context.Context, req *StartRemoteBootstrapRequest) (*StartRemoteBootstrapResponse, error)
	RunLeaderElection(ctx context.Context, req *RunLeaderElectionRequest) (*RunLeaderElectionResponse, error)
	LeaderElectionLost(ctx context.Context, req *LeaderElectionLostRequest) (*LeaderElectionLostResponse, error)
	Close() error
}

type PeerProxyFactory interface {
	NewProxy(peer RaftPeer) (PeerProxy, error)
}

// SafeOpIDWaiter waits until the log is durable through an OpID.
type SafeOpIDWaiter interface {
	WaitForSafeOpIDToApply(min types.OpID) types.OpID
}
