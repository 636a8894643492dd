package consensus

import (
	"fmt"
	"time"

	"tabletraft/pkg/clock"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

type OpType string

const (
	OpNoOp         OpType = "NO_OP"
	OpWrite        OpType = "WRITE"
	OpChangeConfig OpType = "CHANGE_CONFIG"
)

type ChangeConfigRecord struct {
	OldConfig RaftConfig `json:"old_config"`
	NewConfig RaftConfig `json:"new_config"`
}

// ReplicateMsg is one entry of the replicated log.
type ReplicateMsg struct {
	ID            types.OpID          `json:"id"`
	CommittedOpID types.OpID          `json:"committed_op_id"`
	OpType        OpType              `json:"op_type"`
	HybridTime    clock.HybridTime    `json:"hybrid_time"`
	Payload       []byte              `json:"payload,omitempty"`
	ChangeConfig  *ChangeConfigRecord `json:"change_config_record,omitempty"`
}

// Size approximates the encoded size, used for batch limits.
func (m *ReplicateMsg) Size() int {
	n := 64 + len(m.Payload)
	if m.ChangeConfig != nil {
		n += 64 * (len(m.ChangeConfig.OldConfig.Peers) + len(m.ChangeConfig.NewConfig.Peers))
	}
	return n
}

func (m *ReplicateMsg) String() string {
	return fmt.Sprintf("%s %s (%d bytes)", m.ID, m.OpType, len(m.Payload))
}

// ConsensusErrorCode is a protocol rejection from UpdateConsensus or RequestVote.
type ConsensusErrorCode string

const (
	ErrCodeInvalidTerm              ConsensusErrorCode = "INVALID_TERM"
	ErrCodePrecedingEntryDidntMatch ConsensusErrorCode = "PRECEDING_ENTRY_DIDNT_MATCH"
	ErrCodeCannotPrepare            ConsensusErrorCode = "CANNOT_PREPARE"
	ErrCodeLeaderIsAlive            ConsensusErrorCode = "LEADER_IS_ALIVE"
	ErrCodeAlreadyVoted             ConsensusErrorCode = "ALREADY_VOTED"
	ErrCodeLastOpIDTooOld           ConsensusErrorCode = "LAST_OPID_TOO_OLD"
	ErrCodeConsensusBusy            ConsensusErrorCode = "CONSENSUS_BUSY"
	ErrCodeNotInConfig              ConsensusErrorCode = "NOT_IN_QUORUM"
)

type ConsensusError struct {
	Code    ConsensusErrorCode `json:"code"`
	Message string             `json:"message"`
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ServerError is a tablet-level rejection.
type ServerError struct {
	Code    rafterrors.Code `json:"code"`
	Message string          `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func serverError(code rafterrors.Code, err error) *ServerError {
	return &ServerError{Code: code, Message: err.Error()}
}

// ConsensusStatus is the follower's view returned with every UpdateConsensus.
type ConsensusStatus struct {
	LastReceived              types.OpID      `json:"last_received"`
	LastReceivedCurrentLeader types.OpID      `json:"last_received_current_leader"`
	LastCommittedIdx          types.LogIndex  `json:"last_committed_idx"`
	LastApplied               types.OpID      `json:"last_applied"`
	Error                     *ConsensusError `json:"error,omitempty"`
}

type ConsensusRequest struct {
	TabletID            types.TabletID  `json:"tablet_id"`
	DestUUID            types.NodeID    `json:"dest_uuid"`
	CallerUUID          types.NodeID    `json:"caller_uuid"`
	CallerTerm          types.Term      `json:"caller_term"`
	PrecedingID         types.OpID      `json:"preceding_id"`
	CommittedOpID       types.OpID      `json:"committed_op_id"`
	Ops                 []*ReplicateMsg `json:"ops,omitempty"`
	LeaderLeaseDuration time.Duration   `json:"leader_lease_duration,omitempty"`
	HTLeaseExpiration   uint64          `json:"ht_lease_expiration,omitempty"`
}

type ConsensusResponse struct {
	ResponderUUID types.NodeID    `json:"responder_uuid"`
	ResponderTerm types.Term      `json:"responder_term"`
	Status        ConsensusStatus `json:"status"`
	Error         *ServerError    `json:"error,omitempty"`
}

type VoteRequest struct {
	TabletID         types.TabletID `json:"tablet_id"`
	DestUUID         types.NodeID   `json:"dest_uuid"`
	CandidateUUID    types.NodeID   `json:"candidate_uuid"`
	CandidateTerm    types.Term     `json:"candidate_term"`
	LastReceived     types.OpID     `json:"last_received"`
	IgnoreLiveLeader bool           `json:"ignore_live_leader"`
	Preelection      bool           `json:"preelection"`
}

type VoteResponse struct {
	ResponderUUID types.NodeID `json:"responder_uuid"`
	ResponderTerm types.Term   `json:"responder_term"`
	VoteGranted   bool         `json:"vote_granted"`
	// Preelection echoes the request flag; a voter that leaves it unset does not
	// understand pre-elections.
	Preelection                  bool            `json:"preelection"`
	RemainingLeaderLeaseDuration time.Duration   `json:"remaining_leader_lease_duration,omitempty"`
	LeaderLeaseUUID              types.NodeID    `json:"leader_lease_uuid,omitempty"`
	LeaderHTLeaseExpiration      uint64          `json:"leader_ht_lease_expiration,omitempty"`
	LeaderHTLeaseUUID            types.NodeID    `json:"leader_ht_lease_uuid,omitempty"`
	ConsensusError               *ConsensusError `json:"consensus_error,omitempty"`
	Error                        *ServerError    `json:"error,omitempty"`
}

type ChangeConfigType string

const (
	AddServer    ChangeConfigType = "ADD_SERVER"
	RemoveServer ChangeConfigType = "REMOVE_SERVER"
	ChangeRole   ChangeConfigType = "CHANGE_ROLE"
)

type ChangeConfigRequest struct {
	TabletID types.TabletID   `json:"tablet_id"`
	Type     ChangeConfigType `json:"type"`
	Server   RaftPeer         `json:"server"`
	// CASConfigOpIDIndex, when set, must match the committed config's OpIDIndex.
	CASConfigOpIDIndex *types.LogIndex `json:"cas_config_opid_index,omitempty"`
}

type ChangeConfigResponse struct {
	Error *ServerError `json:"error,omitempty"`
}

type StepDownRequest struct {
	TabletID                  types.TabletID `json:"tablet_id"`
	DestUUID                  types.NodeID   `json:"dest_uuid"`
	NewLeaderUUID             types.NodeID   `json:"new_leader_uuid,omitempty"`
	ForceStepDown             bool           `json:"force_step_down,omitempty"`
	DisableGracefulTransition bool           `json:"disable_graceful_transition,omitempty"`
}

type StepDownResponse struct {
	Error                 *ServerError  `json:"error,omitempty"`
	TimeSinceElectionLoss time.Duration `json:"time_since_election_failure,omitempty"`
}

type RunLeaderElectionRequest struct {
	TabletID       types.TabletID `json:"tablet_id"`
	DestUUID       types.NodeID   `json:"dest_uuid"`
	OriginatorUUID types.NodeID   `json:"originator_uuid,omitempty"`
	CommittedIndex types.OpID     `json:"committed_index"`
}

type RunLeaderElectionResponse struct {
	Error *ServerError `json:"error,omitempty"`
}

type LeaderElectionLostRequest struct {
	TabletID           types.TabletID `json:"tablet_id"`
	DestUUID           types.NodeID   `json:"dest_uuid"`
	ElectionLostByUUID types.NodeID   `json:"election_lost_by_uuid"`
}

type LeaderElectionLostResponse struct {
	Error *ServerError `json:"error,omitempty"`
}

type StartRemoteBootstrapRequest struct {
	TabletID          types.TabletID `json:"tablet_id"`
	DestUUID          types.NodeID   `json:"dest_uuid"`
	BootstrapPeerUUID types.NodeID   `json:"bootstrap_peer_uuid"`
	BootstrapPeerAddr string         `json:"bootstrap_peer_addr"`
	CallerTerm        types.Term     `json:"caller_term"`
}

type StartRemoteBootstrapResponse struct {
	Error *ServerError `json:"error,omitempty"`
}

// ConsensusState is the externally visible snapshot of a replica.
type ConsensusState struct {
	TabletID    types.TabletID `json:"tablet_id"`
	PeerUUID    types.NodeID   `json:"peer_uuid"`
	CurrentTerm types.Term     `json:"current_term"`
	LeaderUUID  types.NodeID   `json:"leader_uuid,omitempty"`
	Role        Role           `json:"role"`
	Config      RaftConfig     `json:"config"`
	Committed   types.OpID     `json:"committed_op_id"`
	Received    types.OpID     `json:"last_received_op_id"`
}
