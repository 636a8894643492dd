package consensus

import (
	"sync"

	"github.com/google/uuid"

	"tabletraft/pkg/types"
)

// ReplicatedCallback is invoked once a round is committed or aborted.
// leaderTerm is zero when the round did not commit.
type ReplicatedCallback func(err error, leaderTerm types.Term)

// ConsensusRound is a log entry travelling through the replication pipeline.
type ConsensusRound struct {
	id  uuid.UUID
	msg *ReplicateMsg

	mu         sync.Mutex
	replicated ReplicatedCallback
	notified   bool
	boundTerm  types.Term

	// finishLocked runs under the state lock when the round commits or aborts.
	finishLocked func(l *StateLock, err error)
}

func NewRound(msg *ReplicateMsg, cb ReplicatedCallback) *ConsensusRound {
	return &ConsensusRound{
		id:         uuid.New(),
		msg:        msg,
		replicated: cb,
	}
}

// ID is a correlation id used in logs and by state machines.
func (r *ConsensusRound) ID() uuid.UUID {
	return r.id
}

func (r *ConsensusRound) Msg() *ReplicateMsg {
	return r.msg
}

func (r *ConsensusRound) OpID() types.OpID {
	return r.msg.ID
}

func (r *ConsensusRound) SetCallback(cb ReplicatedCallback) {
	r.mu.Lock()
	r.replicated = cb
	r.mu.Unlock()
}

// BindToTerm makes ReplicateBatch reject the round if the leader term moved on.
func (r *ConsensusRound) BindToTerm(term types.Term) {
	r.mu.Lock()
	r.boundTerm = term
	r.mu.Unlock()
}

func (r *ConsensusRound) BoundTerm() types.Term {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundTerm
}

// NotifyReplicationFinished runs the callback at most once.
func (r *ConsensusRound) NotifyReplicationFinished(err error, leaderTerm types.Term) {
	r.mu.Lock()
	if r.notified {
		r.mu.Unlock()
		return
	}
	r.notified = true
	cb := r.replicated
	r.mu.Unlock()

	if cb != nil {
		cb(err, leaderTerm)
	}
}

func (r *ConsensusRound) String() string {
	return r.msg.String()
}
