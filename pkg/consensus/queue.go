package consensus

import (
	"time"

	"tabletraft/pkg/types"
)

// MajorityReplicatedData is what a majority of voters has acknowledged.
type MajorityReplicatedData struct {
	OpID                  types.OpID
	LeaderLeaseExpiration time.Time
	// HTLeaseExpiration is in physical micros of the hybrid clock.
	HTLeaseExpiration uint64
}

// PeerRequest is a prepared UpdateConsensus request for one peer.
type PeerRequest struct {
	Request              *ConsensusRequest
	NeedsRemoteBootstrap bool
	MemberType           MemberType
	LastExchangeOK       bool
}

// QueueObserver is notified by the queue on the worker pool.
type QueueObserver interface {
	// UpdateMajorityReplicated returns the committed and last applied OpIDs.
	// On error both are left zero and the queue keeps its previous values.
	UpdateMajorityReplicated(data MajorityReplicatedData) (committed, lastApplied types.OpID, err error)
	NotifyTermChange(term types.Term)
	NotifyFailedFollower(uuid types.NodeID, term types.Term, reason string)
}

// ReplicationQueue holds entries that are not yet replicated everywhere and
// tracks the progress of each peer.
type ReplicationQueue interface {
	Init(lastLocallyReplicated types.OpID)
	SetLeaderMode(committed types.OpID, term types.Term, lastApplied types.OpID, active RaftConfig)
	SetNonLeaderMode()
	TrackPeer(uuid types.NodeID)
	UntrackPeer(uuid types.NodeID)

	// AppendOperations appends to the local log and the in-memory cache.
	AppendOperations(msgs []*ReplicateMsg, committed types.OpID, batchTime time.Time) error

	RequestForPeer(uuid types.NodeID) (*PeerRequest, error)
	RemoteBootstrapRequestForPeer(uuid types.NodeID) (*StartRemoteBootstrapRequest, error)
	// ResponseFromPeer returns true when more requests should be sent right away.
	ResponseFromPeer(uuid types.NodeID, resp *ConsensusResponse) bool
	NotifyPeerIsResponsiveDespiteError(uuid types.NodeID)

	RegisterObserver(o QueueObserver)
	UnregisterObserver(o QueueObserver) error

	PeerAcceptedOurLease(uuid types.NodeID) bool
	CanPeerBecomeLeader(uuid types.NodeID) bool
	GetUpToDatePeer() types.NodeID
	MajorityReplicatedOpID() types.OpID
	PeerLastReceived(uuid types.NodeID) (types.OpID, bool)

	Close()
}
