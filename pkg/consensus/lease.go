package consensus

import (
	"fmt"
	"time"

	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// CoarseTimeLease is a wall-clock lease held by a leader.
type CoarseTimeLease struct {
	HolderUUID types.NodeID
	Expiration time.Time
}

func (l CoarseTimeLease) Active() bool {
	return !l.Expiration.IsZero()
}

// TryUpdate adopts other when it expires later.
func (l *CoarseTimeLease) TryUpdate(other CoarseTimeLease) {
	if other.Expiration.After(l.Expiration) {
		*l = other
	}
}

func (l *CoarseTimeLease) Reset() {
	*l = CoarseTimeLease{}
}

// PhysicalComponentLease is a lease on the physical micros of the hybrid clock.
type PhysicalComponentLease struct {
	HolderUUID types.NodeID
	Expiration uint64
}

func (l PhysicalComponentLease) Active() bool {
	return l.Expiration != 0
}

func (l *PhysicalComponentLease) TryUpdate(other PhysicalComponentLease) {
	if other.Expiration > l.Expiration {
		*l = other
	}
}

func (l *PhysicalComponentLease) Reset() {
	*l = PhysicalComponentLease{}
}

type LeaderLeaseStatus int

const (
	HasLease LeaderLeaseStatus = iota
	OldLeaderMayHaveLease
	NoMajorityReplicatedLease
)

func (s LeaderLeaseStatus) String() string {
	switch s {
	case HasLease:
		return "HAS_LEASE"
	case OldLeaderMayHaveLease:
		return "OLD_LEADER_MAY_HAVE_LEASE"
	case NoMajorityReplicatedLease:
		return "NO_MAJORITY_REPLICATED_LEASE"
	}
	return fmt.Sprintf("LeaderLeaseStatus(%d)", int(s))
}

type LeaderStatus int

const (
	NotLeader LeaderStatus = iota
	LeaderButNoOpNotCommitted
	LeaderButOldLeaderMayHaveLease
	LeaderButNoMajorityReplicatedLease
	LeaderAndReady
)

func (s LeaderStatus) String() string {
	switch s {
	case NotLeader:
		return "NOT_LEADER"
	case LeaderButNoOpNotCommitted:
		return "LEADER_BUT_NO_OP_NOT_COMMITTED"
	case LeaderButOldLeaderMayHaveLease:
		return "LEADER_BUT_OLD_LEADER_MAY_HAVE_LEASE"
	case LeaderButNoMajorityReplicatedLease:
		return "LEADER_BUT_NO_MAJORITY_REPLICATED_LEASE"
	case LeaderAndReady:
		return "LEADER_AND_READY"
	}
	return fmt.Sprintf("LeaderStatus(%d)", int(s))
}

func (s LeaderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LeaderStatus) UnmarshalText(text []byte) error {
	for st := NotLeader; st <= LeaderAndReady; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown leader status %q", text)
}

// LeaderState is the readiness of the replica to serve as a leader.
type LeaderState struct {
	Status LeaderStatus
	// Term is set only for LeaderAndReady.
	Term types.Term
	// RemainingOldLeaderLease is set for LeaderButOldLeaderMayHaveLease.
	RemainingOldLeaderLease time.Duration
}

// Err converts a not-ready state to an error carrying the matching code.
func (s LeaderState) Err() error {
	switch s.Status {
	case LeaderAndReady:
		return nil
	case NotLeader:
		return rafterrors.WithCode(rafterrors.CodeNotTheLeader, rafterrors.ErrNotLeader)
	case LeaderButNoOpNotCommitted:
		return fmt.Errorf("%w: leader has not yet committed an operation in its own term", rafterrors.ErrLeaderNotReady)
	case LeaderButOldLeaderMayHaveLease:
		return fmt.Errorf("%w: old leader may still hold a lease for %v", rafterrors.ErrLeaderHasNoLease, s.RemainingOldLeaderLease)
	case LeaderButNoMajorityReplicatedLease:
		return fmt.Errorf("%w: leader does not have a majority replicated lease", rafterrors.ErrLeaderHasNoLease)
	}
	return fmt.Errorf("%w: unknown leader status %s", rafterrors.ErrIllegalState, s.Status)
}

type LeaseCheckMode int

const (
	NeedLease LeaseCheckMode = iota
	DontNeedLease
)
