package consensus

import (
	"context"
	"fmt"

	"tabletraft/pkg/metrics"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// StartElection runs a pre-election, or a real election when pre-elections are
// off, unless this replica cannot become leader.
func (c *RaftConsensus) StartElection(data LeaderElectionData) error {
	return c.doStartElection(data, false)
}

func (c *RaftConsensus) doStartElection(data LeaderElectionData, preelected bool) error {
	preelection := c.cfg.UsePreelection && !preelected &&
		c.disablePreElectionsUntil.Load() < c.now().UnixNano()
	name := "election"
	if preelection {
		name = "pre-election"
	}

	l, err := c.state.LockForConfigChange()
	if err != nil {
		return err
	}

	switch role := l.ActiveRole(); role {
	case RoleLeader:
		l.Unlock()
		c.log.Info("not starting "+name+", already leader")
		return nil
	case RoleLearner, RoleObserver:
		pending := l.IsConfigChangePending()
		l.Unlock()
		c.log.Info("not starting "+name, "role", role, "config_change_pending", pending)
		return nil
	case RoleNonParticipant:
		c.snoozeFailureDetector(defaultFailureWait)
		cfg := l.ActiveConfig()
		l.Unlock()
		return fmt.Errorf("%w: not starting %s, node is currently a non-participant in the raft config: %s",
			rafterrors.ErrIllegalState, name, cfg)
	}

	startNow := true
	if data.PendingCommit {
		required := data.MustBeCommittedOpID
		if required.Empty() {
			required = l.PendingElectionOpID()
		}
		if _, err := l.AdvanceCommittedOpID(required, false); err != nil {
			c.log.Warn("starting "+name+" but the required committed op id is not present in the log",
				"required", required.String(), "error", err)
		}
		startNow = required.Index <= l.CommittedOpID().Index
	}

	var election *LeaderElection
	switch {
	case startNow:
		if l.HasLeader() {
			c.log.Info("fail of leader detected, triggering leader "+name,
				"leader", l.LeaderUUID(), "mode", data.Mode)
		} else {
			c.log.Info("triggering leader "+name, "mode", data.Mode)
		}
		timeout := c.leaderElectionBackoff()
		c.snoozeFailureDetector(timeout)

		election, err = c.createElection(l, data, preelection)
		if err != nil {
			l.Unlock()
			return err
		}
	case data.PendingCommit && !data.MustBeCommittedOpID.Empty():
		l.SetPendingElectionOpID(data.MustBeCommittedOpID)
		c.log.Info("leader "+name+" is pending upon log commitment",
			"op_id", data.MustBeCommittedOpID.String())
	}
	l.Unlock()

	if election != nil {
		c.metrics.IncCounter(metrics.ElectionsStarted, c.labels, 1)
		election.Run()
	}
	return nil
}

func (c *RaftConsensus) createElection(l *StateLock, data LeaderElectionData, preelection bool) (*LeaderElection, error) {
	var term types.Term
	if preelection {
		term = l.CurrentTerm() + 1
	} else {
		if err := c.handleTermAdvance(l, l.CurrentTerm()+1); err != nil {
			return nil, err
		}
		term = l.CurrentTerm()
	}

	active := l.ActiveConfig()
	c.log.Info("starting election", "preelection", preelection, "term", term, "config", active.String())

	counter := NewVoteCounter(active.Voters())
	if !preelection {
		if err := l.SetVotedForCurrentTerm(c.peerUUID); err != nil {
			return nil, err
		}
	}
	duplicate, err := counter.RegisterVote(c.peerUUID, VoteGranted)
	if err != nil {
		return nil, fmt.Errorf("register own vote: %w", err)
	}
	if duplicate {
		fatalf("inexplicable duplicate self-vote for term %d", term)
	}

	election := newLeaderElection(leaderElectionOptions{
		Config:  active,
		Proxies: c.proxies,
		Request: VoteRequest{
			TabletID:         c.tabletID,
			CandidateUUID:    c.peerUUID,
			CandidateTerm:    term,
			LastReceived:     c.wal.LatestEntryOpID(),
			IgnoreLiveLeader: data.Mode == ElectEvenIfLeaderIsAlive,
			Preelection:      preelection,
		},
		Counter:             counter,
		Timeout:             c.cfg.RPCTimeout,
		SuppressVoteRequest: data.SuppressVoteRequest,
		Decided:             func(res ElectionResult) { c.electionCallback(data, res) },
		Now:                 c.now,
		Logger:              c.log,
	})

	if !preelection {
		// A real election supersedes any election waiting for a commit.
		l.ClearPendingElectionOpID()
	}
	return election, nil
}

// electionCallback may run on the election collector goroutine, possibly
// while the caller of Run still holds locks, so the work is moved to the pool.
func (c *RaftConsensus) electionCallback(data LeaderElectionData, res ElectionResult) {
	if err := c.pool.Submit(func() { c.doElectionCallback(data, res) }); err != nil {
		c.log.Warn("unable to run election callback", "error", err)
	}
}

func (c *RaftConsensus) doElectionCallback(data LeaderElectionData, res ElectionResult) {
	name := "election"
	if res.Preelection {
		name = "pre-election"
	}

	l := c.state.LockForRead()
	c.snoozeFailureDetector(c.leaderElectionBackoff())
	if res.PreelectionsNotSupportedBy != "" {
		until := c.now().Add(c.cfg.TemporaryDisablePreelectionsTimeout)
		c.disablePreElectionsUntil.Store(until.UnixNano())
		c.log.Warn("disable pre-elections",
			"until", until,
			"unsupported_by", res.PreelectionsNotSupportedBy)
	}
	l.Unlock()

	if res.Decision == VoteDenied {
		c.failedElections.Add(1)
		c.metrics.IncCounter(metrics.ElectionsLost, c.labels, 1)
		reason := res.Message
		if reason == "" {
			reason = "none given"
		}
		c.log.Info("leader "+name+" lost",
			"election_term", res.Term,
			"reason", reason,
			"originator", data.OriginatorUUID)
		c.notifyOriginatorAboutLostElection(data.OriginatorUUID)

		if res.HigherTerm > 0 {
			l, err := c.state.LockForConfigChange()
			if err == nil {
				err = c.handleTermAdvance(l, res.HigherTerm)
				l.Unlock()
			}
			if err != nil {
				c.log.Info("unable to advance term as "+name+" result", "error", err)
			}
		}
		return
	}

	l, err := c.state.LockForConfigChange()
	if err != nil {
		c.log.Info("received "+name+" callback while not running", "election_term", res.Term, "error", err)
		return
	}

	desired := l.CurrentTerm()
	if res.Preelection {
		desired++
	}
	if res.Term != desired {
		l.Unlock()
		c.log.Info("leader "+name+" decision for defunct term", "election_term", res.Term, "decision", res.Decision)
		return
	}

	active := l.ActiveConfig()
	if !active.IsVoter(c.peerUUID) {
		l.Unlock()
		c.log.Warn("leader "+name+" decision while not in active config",
			"election_term", res.Term, "decision", res.Decision, "config", active.String())
		return
	}

	if res.Preelection {
		l.Unlock()
		c.log.Info("leader pre-election won", "election_term", res.Term)
		if err := c.doStartElection(data, true); err != nil {
			c.log.Warn("start election failed", "error", err)
		}
		return
	}
	defer l.Unlock()

	if l.ActiveRole() == RoleLeader {
		c.log.Error("leader "+name+" callback while already leader", "election_term", res.Term)
		return
	}

	c.log.Info("leader election won", "election_term", res.Term)
	c.metrics.IncCounter(metrics.ElectionsWon, c.labels, 1)

	l.UpdateOldLeaderLeaseExpirationOnNonLeader(res.OldLeaderLease, res.OldLeaderHTLease)
	l.SetLeaderNoOpCommitted(false)
	c.setLeaderUUID(l, c.peerUUID)
	if err := c.becomeLeader(l); err != nil {
		c.log.Error("failed to become leader", "error", err)
	}
}

func (c *RaftConsensus) notifyOriginatorAboutLostElection(originator types.NodeID) {
	if originator == "" {
		return
	}

	l, err := c.state.LockForConfigChange()
	if err != nil {
		c.log.Info("unable to notify originator about lost election", "error", err)
		return
	}
	peer, ok := l.ActiveConfig().Member(originator)
	l.Unlock()
	if !ok {
		return
	}

	req := &LeaderElectionLostRequest{
		TabletID:           c.tabletID,
		DestUUID:           originator,
		ElectionLostByUUID: c.peerUUID,
	}
	c.dispatch(func() {
		proxy, err := c.proxies.NewProxy(peer)
		if err != nil {
			c.log.Warn("notify about lost election", "originator", originator, "error", err)
			return
		}
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
		defer cancel()
		resp, err := proxy.LeaderElectionLost(ctx, req)
		switch {
		case err != nil:
			c.log.Warn("notify about lost election RPC failure", "originator", originator, "error", err)
		case resp.Error != nil:
			c.log.Warn("notify about lost election failed", "originator", originator, "error", resp.Error)
		}
	})
}

// RequestVote decides on a vote for a candidate. Rejections are reported in
// the response; the error return is for a replica that cannot vote at all.
func (c *RaftConsensus) RequestVote(req *VoteRequest) (*VoteResponse, error) {
	resp := &VoteResponse{
		ResponderUUID: c.peerUUID,
		Preelection:   req.Preelection,
	}

	var (
		guard *updateGuard
		ok    bool
	)
	if c.cfg.EnableLeaderFailureDetection {
		guard, ok = c.update.tryLock()
	} else {
		// Without failure detection nobody retries a rejected vote.
		guard, _ = c.update.lock(context.Background())
		ok = true
	}
	if !ok {
		l, err := c.state.LockForConfigChange()
		if err != nil {
			return nil, err
		}
		defer l.Unlock()
		return c.denyVote(l, req, resp, ErrCodeConsensusBusy,
			"replica is already servicing an update from a current leader or another vote"), nil
	}
	defer guard.unlock()

	l, err := c.state.LockForConfigChange()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	if !l.ActiveConfig().IsMember(req.CandidateUUID) {
		c.log.Info("handling vote request from an unknown peer", "candidate", req.CandidateUUID)
	}

	now := c.now()
	if req.CandidateUUID != l.LeaderUUID() && !req.IgnoreLiveLeader &&
		now.UnixNano() < c.withholdVotesUntil.Load() {
		return c.denyVote(l, req, resp, ErrCodeLeaderIsAlive,
			"replica is either leader or believes a valid leader to be alive"), nil
	}

	term := l.CurrentTerm()
	if req.CandidateTerm < term {
		return c.denyVote(l, req, resp, ErrCodeInvalidTerm,
			fmt.Sprintf("for earlier term %d, current term is %d", req.CandidateTerm, term)), nil
	}

	if req.CandidateTerm == term && l.HasVotedCurrentTerm() {
		if voted := l.VotedForCurrentTerm(); voted != req.CandidateUUID {
			return c.denyVote(l, req, resp, ErrCodeAlreadyVoted,
				fmt.Sprintf("in current term %d, already voted for candidate %s", term, voted)), nil
		}
		c.log.Info("already granted yes vote, re-sending same reply",
			"candidate", req.CandidateUUID, "candidate_term", req.CandidateTerm)
		return c.grantVote(req, resp), nil
	}

	if req.CandidateTerm > term && !req.Preelection {
		if err := c.handleTermAdvance(l, req.CandidateTerm); err != nil {
			return nil, fmt.Errorf("could not step down in RequestVote, current term: %d, candidate term: %d: %w",
				l.CurrentTerm(), req.CandidateTerm, err)
		}
	}

	if local := c.wal.LatestEntryOpID(); req.LastReceived.Less(local) {
		return c.denyVote(l, req, resp, ErrCodeLastOpIDTooOld,
			fmt.Sprintf("for term %d because replica has last-logged op id %s, which is greater than the candidate's %s",
				req.CandidateTerm, local, req.LastReceived)), nil
	}

	if !req.Preelection {
		// Another candidate jumped ahead; let it win instead of disrupting it.
		l.ClearPendingElectionOpID()
	}

	if remaining := l.RemainingOldLeaderLeaseDuration(); remaining > 0 {
		resp.RemainingLeaderLeaseDuration = remaining
		resp.LeaderLeaseUUID = l.OldLeaderLease().HolderUUID
	}
	if ht := l.OldLeaderHTLease(); ht.Active() {
		resp.LeaderHTLeaseExpiration = ht.Expiration
		resp.LeaderHTLeaseUUID = ht.HolderUUID
	}

	if req.Preelection {
		c.log.Info("pre-election, granting vote", "candidate", req.CandidateUUID, "candidate_term", req.CandidateTerm)
		return c.grantVote(req, resp), nil
	}

	backoff := c.leaderElectionBackoff()
	c.snoozeFailureDetector(backoff)
	if err := l.SetVotedForCurrentTerm(req.CandidateUUID); err != nil {
		return nil, err
	}
	c.grantVote(req, resp)
	c.snoozeFailureDetector(backoff)
	c.log.Info("granting yes vote", "candidate", req.CandidateUUID, "candidate_term", req.CandidateTerm)
	return resp, nil
}

func (c *RaftConsensus) grantVote(req *VoteRequest, resp *VoteResponse) *VoteResponse {
	resp.ResponderTerm = req.CandidateTerm
	resp.VoteGranted = true
	return resp
}

func (c *RaftConsensus) denyVote(l *StateLock, req *VoteRequest, resp *VoteResponse, code ConsensusErrorCode, reason string) *VoteResponse {
	resp.ResponderTerm = l.CurrentTerm()
	resp.VoteGranted = false
	resp.ConsensusError = &ConsensusError{Code: code, Message: reason}
	c.log.Info("denying vote",
		"candidate", req.CandidateUUID,
		"candidate_term", req.CandidateTerm,
		"preelection", req.Preelection,
		"code", code,
		"reason", reason)
	return resp
}

// RunLeaderElection is sent by a leader stepping down in favor of this
// replica. The election waits until the leader's committed op id is
// committed here as well.
func (c *RaftConsensus) RunLeaderElection(req *RunLeaderElectionRequest) error {
	return c.StartElection(LeaderElectionData{
		Mode:                ElectEvenIfLeaderIsAlive,
		PendingCommit:       true,
		MustBeCommittedOpID: req.CommittedIndex,
		OriginatorUUID:      req.OriginatorUUID,
	})
}

// LeaderElectionLost is sent by a protege that lost the election we asked it
// to run.
func (c *RaftConsensus) LeaderElectionLost(req *LeaderElectionLostRequest) error {
	return c.ElectionLostByProtege(req.ElectionLostByUUID)
}

func (c *RaftConsensus) ElectionLostByProtege(lostBy types.NodeID) error {
	if lostBy == "" {
		return fmt.Errorf("%w: election lost by empty uuid", rafterrors.ErrInvalidArgument)
	}

	l, err := c.state.LockForConfigChange()
	if err != nil {
		return err
	}
	if c.gracefulTransfer {
		l.Unlock()
		return nil
	}
	start := false
	if lostBy == c.protegeUUID {
		c.log.Info("step down protege lost election", "protege", lostBy)
		c.withholdElectionStartUntil.Store(minNanos)
		c.electionLostByProtegeAt = c.now()
		start = !l.HasLeader()
	}
	l.Unlock()

	if start {
		return c.StartElection(LeaderElectionData{Mode: NormalElection})
	}
	return nil
}
