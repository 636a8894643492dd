package queue

import (
	"fmt"
	"time"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/types"
)

// trackedPeer is the leader's view of one peer's replication progress.
type trackedPeer struct {
	uuid types.NodeID

	// nextIndex is the index of the next entry to send.
	nextIndex             types.LogIndex
	lastReceived          types.OpID
	lastKnownCommittedIdx types.LogIndex
	lastApplied           types.OpID

	isNew                       bool
	lastExchangeSuccessful      bool
	lastSuccessfulCommunication time.Time
	needsRemoteBootstrap        bool
	memberType                  consensus.MemberType

	// -1 until a request is sent after the last reply.
	lastNumMessagesSent    int
	currentRetransmissions int

	leaseLastSent       time.Time
	leaseLastReceived   time.Time
	htLeaseLastSent     uint64
	htLeaseLastReceived uint64
}

func newTrackedPeer(uuid types.NodeID, nextIndex types.LogIndex, now time.Time) *trackedPeer {
	return &trackedPeer{
		uuid:                        uuid,
		nextIndex:                   nextIndex,
		isNew:                       true,
		lastSuccessfulCommunication: now,
		lastNumMessagesSent:         -1,
		currentRetransmissions:      -1,
	}
}

// onReplyFromFollower records the leases of the last request as accepted.
func (p *trackedPeer) onReplyFromFollower() {
	p.leaseLastReceived = p.leaseLastSent
	p.htLeaseLastReceived = p.htLeaseLastSent
}

func (p *trackedPeer) resetLeaderLeases() {
	p.leaseLastSent = time.Time{}
	p.leaseLastReceived = time.Time{}
	p.htLeaseLastSent = 0
	p.htLeaseLastReceived = 0
}

func (p *trackedPeer) String() string {
	return fmt.Sprintf("{peer: %s, new: %t, last received: %s, next index: %d, last known committed idx: %d, last exchange result: %t, needs remote bootstrap: %t}",
		p.uuid, p.isNew, p.lastReceived, p.nextIndex, p.lastKnownCommittedIdx, p.lastExchangeSuccessful, p.needsRemoteBootstrap)
}
