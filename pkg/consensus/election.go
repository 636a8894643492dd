package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/etcd/raft/v3/quorum"

	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

type ElectionVote int

const (
	VoteDenied ElectionVote = iota
	VoteGranted
)

func (v ElectionVote) String() string {
	if v == VoteGranted {
		return "GRANTED"
	}
	return "DENIED"
}

type ElectionMode int

const (
	NormalElection ElectionMode = iota
	ElectEvenIfLeaderIsAlive
)

func (m ElectionMode) String() string {
	if m == ElectEvenIfLeaderIsAlive {
		return "ELECT_EVEN_IF_LEADER_IS_ALIVE"
	}
	return "NORMAL_ELECTION"
}

// LeaderElectionData describes why and how an election is started.
type LeaderElectionData struct {
	Mode ElectionMode
	// PendingCommit delays the election until MustBeCommittedOpID (or the
	// recorded pending election op id) is committed locally.
	PendingCommit       bool
	MustBeCommittedOpID types.OpID
	// OriginatorUUID is the leader that asked us to run the election.
	OriginatorUUID types.NodeID
	// SuppressVoteRequest decides the election on the local vote only.
	SuppressVoteRequest bool
}

func (d LeaderElectionData) String() string {
	return fmt.Sprintf("{mode: %s, pending_commit: %v, must_be_committed_opid: %s, originator: %q}",
		d.Mode, d.PendingCommit, d.MustBeCommittedOpID, d.OriginatorUUID)
}

// VoteCounter tallies votes for one election. The decision is taken by an
// etcd quorum.MajorityConfig over the voter set.
type VoteCounter struct {
	ids     map[types.NodeID]uint64
	config  quorum.MajorityConfig
	votes   map[uint64]bool
	byVoter map[types.NodeID]ElectionVote
}

func NewVoteCounter(voters []types.NodeID) *VoteCounter {
	c := &VoteCounter{
		ids:     make(map[types.NodeID]uint64, len(voters)),
		config:  make(quorum.MajorityConfig, len(voters)),
		votes:   make(map[uint64]bool, len(voters)),
		byVoter: make(map[types.NodeID]ElectionVote, len(voters)),
	}
	for i, uuid := range voters {
		id := uint64(i + 1)
		c.ids[uuid] = id
		c.config[id] = struct{}{}
	}
	return c
}

// RegisterVote records vote. A repeated identical vote reports duplicate; a
// changed vote or a vote from outside the voter set is an error.
func (c *VoteCounter) RegisterVote(voter types.NodeID, vote ElectionVote) (duplicate bool, err error) {
	id, ok := c.ids[voter]
	if !ok {
		return false, fmt.Errorf("%w: vote from %s, which is not a voter", rafterrors.ErrInvalidArgument, voter)
	}
	if prev, seen := c.byVoter[voter]; seen {
		if prev != vote {
			return false, fmt.Errorf("%w: voter %s changed its vote from %s to %s",
				rafterrors.ErrInvalidArgument, voter, prev, vote)
		}
		return true, nil
	}
	c.byVoter[voter] = vote
	c.votes[id] = vote == VoteGranted
	return false, nil
}

func (c *VoteCounter) IsDecided() bool {
	return c.config.VoteResult(c.votes) != quorum.VotePending
}

// Decision is only meaningful once IsDecided is true.
func (c *VoteCounter) Decision() ElectionVote {
	if c.config.VoteResult(c.votes) == quorum.VoteWon {
		return VoteGranted
	}
	return VoteDenied
}

func (c *VoteCounter) VotesCast() int {
	return len(c.byVoter)
}

func (c *VoteCounter) AreAllVotesIn() bool {
	return len(c.byVoter) == len(c.ids)
}

func (c *VoteCounter) String() string {
	granted := 0
	for _, v := range c.byVoter {
		if v == VoteGranted {
			granted++
		}
	}
	return fmt.Sprintf("received %d responses out of %d voters: %d yes votes; %d no votes",
		len(c.byVoter), len(c.ids), granted, len(c.byVoter)-granted)
}

// ElectionResult is handed to the election callback exactly once.
type ElectionResult struct {
	Preelection bool
	Term        types.Term
	Decision    ElectionVote
	// HigherTerm is set when a voter reported a term above the election term.
	HigherTerm types.Term
	Message    string

	OldLeaderLease   CoarseTimeLease
	OldLeaderHTLease PhysicalComponentLease

	PreelectionsNotSupportedBy types.NodeID
}

type ElectionDecisionCallback func(ElectionResult)

type voteResult struct {
	voter types.NodeID
	resp  *VoteResponse
	err   error
}

// LeaderElection fans a vote request out to the voters of a config and
// decides once a majority answered either way.
type LeaderElection struct {
	config   RaftConfig
	proxies  PeerProxyFactory
	request  VoteRequest
	counter  *VoteCounter
	timeout  time.Duration
	suppress bool
	decided  ElectionDecisionCallback
	now      func() time.Time
	log      *slog.Logger

	result  ElectionResult
	done    bool
	results chan voteResult
}

type leaderElectionOptions struct {
	Config              RaftConfig
	Proxies             PeerProxyFactory
	Request             VoteRequest
	Counter             *VoteCounter
	Timeout             time.Duration
	SuppressVoteRequest bool
	Decided             ElectionDecisionCallback
	Now                 func() time.Time
	Logger              *slog.Logger
}

func newLeaderElection(opts leaderElectionOptions) *LeaderElection {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	name := "election"
	if opts.Request.Preelection {
		name = "pre-election"
	}
	return &LeaderElection{
		config:   opts.Config,
		proxies:  opts.Proxies,
		request:  opts.Request,
		counter:  opts.Counter,
		timeout:  opts.Timeout,
		suppress: opts.SuppressVoteRequest,
		decided:  opts.Decided,
		now:      opts.Now,
		log: opts.Logger.With(
			"election", name,
			"candidate_term", opts.Request.CandidateTerm),
		result: ElectionResult{
			Preelection: opts.Request.Preelection,
			Term:        opts.Request.CandidateTerm,
		},
	}
}

// Run sends the vote requests and returns immediately. The decision callback
// runs on the collector goroutine.
func (e *LeaderElection) Run() {
	var others []RaftPeer
	for _, p := range e.config.Peers {
		if p.MemberType != MemberVoter || p.UUID == e.request.CandidateUUID {
			continue
		}
		others = append(others, p)
	}

	e.log.Info("requesting votes", "voters", len(others)+1)

	if e.checkForDecision() || e.suppress || len(others) == 0 {
		if !e.done {
			e.finish(VoteDenied, "suppressed or not enough voters")
		}
		return
	}

	e.results = make(chan voteResult, len(others))
	for _, peer := range others {
		go e.requestVote(peer)
	}
	go e.collect(len(others))
}

func (e *LeaderElection) requestVote(peer RaftPeer) {
	proxy, err := e.proxies.NewProxy(peer)
	if err != nil {
		e.results <- voteResult{voter: peer.UUID, err: err}
		return
	}
	defer proxy.Close()

	req := e.request
	req.DestUUID = peer.UUID
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	resp, err := proxy.RequestVote(ctx, &req)
	e.results <- voteResult{voter: peer.UUID, resp: resp, err: err}
}

func (e *LeaderElection) collect(pending int) {
	for ; pending > 0; pending-- {
		res := <-e.results
		if e.done {
			continue
		}
		e.handleVote(res)
		e.checkForDecision()
	}
	if !e.done {
		e.finish(VoteDenied, e.counter.String())
	}
}

func (e *LeaderElection) handleVote(res voteResult) {
	switch {
	case res.err != nil:
		e.log.Warn("vote request failed", "voter", res.voter, "error", res.err)
		e.record(res.voter, VoteDenied)
	case res.resp.Error != nil:
		e.log.Warn("tablet error from vote request", "voter", res.voter, "error", res.resp.Error)
		e.record(res.voter, VoteDenied)
	case res.resp.ResponderTerm > e.request.CandidateTerm:
		e.handleHigherTerm(res.voter, res.resp)
	case e.request.Preelection && !res.resp.Preelection:
		e.log.Warn("voter does not support pre-elections", "voter", res.voter)
		e.result.PreelectionsNotSupportedBy = res.voter
		e.record(res.voter, VoteDenied)
	case res.resp.VoteGranted:
		e.recordLeases(res.resp)
		e.log.Info("vote granted", "voter", res.voter)
		e.record(res.voter, VoteGranted)
	default:
		reason := "none given"
		if res.resp.ConsensusError != nil {
			reason = res.resp.ConsensusError.Error()
		}
		e.log.Info("vote denied", "voter", res.voter, "reason", reason)
		e.record(res.voter, VoteDenied)
	}
}

func (e *LeaderElection) recordLeases(resp *VoteResponse) {
	if resp.RemainingLeaderLeaseDuration > 0 {
		e.result.OldLeaderLease.TryUpdate(CoarseTimeLease{
			HolderUUID: resp.LeaderLeaseUUID,
			Expiration: e.now().Add(resp.RemainingLeaderLeaseDuration),
		})
	}
	if resp.LeaderHTLeaseExpiration > 0 {
		e.result.OldLeaderHTLease.TryUpdate(PhysicalComponentLease{
			HolderUUID: resp.LeaderHTLeaseUUID,
			Expiration: resp.LeaderHTLeaseExpiration,
		})
	}
}

func (e *LeaderElection) handleHigherTerm(voter types.NodeID, resp *VoteResponse) {
	msg := fmt.Sprintf("vote denied by %s with higher term %d, our term %d",
		voter, resp.ResponderTerm, e.request.CandidateTerm)
	e.log.Info("cancelling election due to peer responding with higher term", "voter", voter, "responder_term", resp.ResponderTerm)
	e.record(voter, VoteDenied)
	e.result.HigherTerm = resp.ResponderTerm
	e.finish(VoteDenied, msg)
}

func (e *LeaderElection) record(voter types.NodeID, vote ElectionVote) {
	duplicate, err := e.counter.RegisterVote(voter, vote)
	if err != nil {
		e.log.Warn("error registering vote", "voter", voter, "error", err)
		return
	}
	if duplicate {
		e.log.Info("duplicate vote received", "voter", voter, "vote", vote)
	}
}

func (e *LeaderElection) checkForDecision() bool {
	if e.done || !e.counter.IsDecided() {
		return e.done
	}
	decision := e.counter.Decision()
	msg := ""
	if decision == VoteDenied {
		msg = "could not achieve majority: " + e.counter.String()
	}
	e.finish(decision, msg)
	return true
}

func (e *LeaderElection) finish(decision ElectionVote, msg string) {
	e.done = true
	e.result.Decision = decision
	e.result.Message = msg
	e.log.Info("election decided", "result", decision, "summary", e.counter.String())
	if e.decided != nil {
		e.decided(e.result)
	}
}
