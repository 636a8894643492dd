package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tabletraft/pkg/metrics"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// leaderRequest is a ConsensusRequest with the ops this replica already has
// removed.
type leaderRequest struct {
	leaderUUID types.NodeID
	preceding  types.OpID
	committed  types.OpID
	msgs       []*ReplicateMsg
}

func (r *leaderRequest) opsRange() string {
	if len(r.msgs) == 0 {
		return "[]"
	}
	return fmt.Sprintf("[%s..%s]", r.msgs[0].ID, r.msgs[len(r.msgs)-1].ID)
}

type updateResult struct {
	waitFor       types.OpID
	startElection bool
}

// Update handles a replication request from the leader. Protocol rejections
// are reported in resp.Status.Error; an error return means the request was
// not processed.
func (c *RaftConsensus) Update(ctx context.Context, req *ConsensusRequest) (*ConsensusResponse, error) {
	switch mode := RejectMode(c.rejectMode.Load()); mode {
	case RejectNone:
	case RejectAll:
		return nil, fmt.Errorf("%w: rejected because of reject mode %s", rafterrors.ErrIllegalState, mode)
	case RejectNonEmpty:
		if len(req.Ops) > 0 {
			return nil, fmt.Errorf("%w: rejected because of reject mode %s", rafterrors.ErrIllegalState, mode)
		}
	}

	start := c.now()
	resp := &ConsensusResponse{ResponderUUID: c.peerUUID}

	guard, err := c.update.lock(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.updateReplica(guard, req, resp)
	guard.unlock()
	if err != nil {
		return nil, err
	}

	// The update gate is released so that commits can go through while the
	// log catches up.
	if !res.waitFor.Empty() {
		if err := c.waitForWrites(ctx, res.waitFor); err != nil {
			return nil, err
		}
	}

	if res.startElection {
		err := c.StartElection(LeaderElectionData{Mode: ElectEvenIfLeaderIsAlive, PendingCommit: true})
		if err != nil {
			return nil, err
		}
	}

	c.metrics.IncCounter(metrics.UpdateRequests, c.labels, 1)
	c.metrics.ObserveHistogram(metrics.UpdateLatencySeconds, c.labels, c.now().Sub(start).Seconds())
	return resp, nil
}

func (c *RaftConsensus) waitForWrites(ctx context.Context, op types.OpID) error {
	heartbeat := c.cfg.HeartbeatInterval
	for {
		wait := heartbeat
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w: waiting for the log to persist %s", rafterrors.ErrTimedOut, op)
			}
			wait = min(wait, remaining)
		}

		_, err := c.wal.WaitForSafeOpIDToApply(op, wait)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rafterrors.ErrTimedOut) {
			return err
		}

		// Waiting on our own log must not trigger an election.
		c.snoozeFailureDetector(defaultFailureWait)
		storeMaxNanos(&c.withholdVotesUntil, c.now().Add(c.cfg.MinimumElectionTimeout()).UnixNano())
	}
}

func (c *RaftConsensus) updateReplica(guard *updateGuard, req *ConsensusRequest, resp *ConsensusResponse) (updateResult, error) {
	l, err := c.state.LockForUpdate(guard)
	if err != nil {
		return updateResult{}, err
	}
	defer l.Unlock()

	prevCommitted := l.CommittedOpID()
	deduped := &leaderRequest{leaderUUID: req.CallerUUID}
	if err := c.checkLeaderRequest(l, req, resp, deduped); err != nil {
		return updateResult{}, err
	}
	if resp.Status.Error != nil {
		c.fillResponseOK(l, resp)
		return updateResult{}, nil
	}

	// A live leader must not be disrupted.
	c.snoozeFailureDetector(defaultFailureWait)

	now := c.now()
	if req.LeaderLeaseDuration > 0 || req.HTLeaseExpiration > 0 {
		l.UpdateOldLeaderLeaseExpirationOnNonLeader(
			CoarseTimeLease{HolderUUID: deduped.leaderUUID, Expiration: now.Add(req.LeaderLeaseDuration)},
			PhysicalComponentLease{HolderUUID: deduped.leaderUUID, Expiration: req.HTLeaseExpiration})
	}
	c.withholdVotesUntil.Store(now.Add(c.cfg.MinimumElectionTimeout()).UnixNano())

	if err := c.earlyCommit(l, req, deduped); err != nil {
		return updateResult{}, err
	}

	if !c.enqueuePrepares(l, req, resp, deduped) {
		return updateResult{}, nil
	}

	lastFromLeader := c.enqueueWrites(deduped, prevCommitted != deduped.committed)

	if err := c.markCommitted(l, req, deduped, lastFromLeader); err != nil {
		return updateResult{}, err
	}

	c.fillResponseOK(l, resp)

	var res updateResult
	pending := l.PendingElectionOpID()
	res.startElection = !pending.Empty() && pending.Index <= l.CommittedOpID().Index
	if len(deduped.msgs) > 0 {
		res.waitFor = l.LastReceivedOpID()
	}
	return res, nil
}

// checkLeaderRequest deduplicates the request and validates term and log
// matching. Protocol rejections are written to resp.
func (c *RaftConsensus) checkLeaderRequest(l *StateLock, req *ConsensusRequest, resp *ConsensusResponse, deduped *leaderRequest) error {
	if err := c.deduplicate(l, req, deduped); err != nil {
		return err
	}

	prev := deduped.preceding
	for _, msg := range deduped.msgs {
		if err := CheckOpInSequence(prev, msg.ID); err != nil {
			c.log.Error("leader request contained out-of-sequence messages",
				"error", err,
				"leader", req.CallerUUID,
				"preceding", req.PrecedingID.String(),
				"ops", deduped.opsRange())
			return err
		}
		prev = msg.ID
	}

	if err := c.handleLeaderRequestTerm(l, req, resp); err != nil {
		return err
	}
	if resp.Status.Error != nil {
		return nil
	}

	if err := c.enforceLogMatching(l, deduped, resp); err != nil {
		return err
	}
	if resp.Status.Error != nil {
		return nil
	}

	if len(deduped.msgs) > 0 {
		first := deduped.msgs[0].ID
		ok, termMismatch := l.IsOpCommittedOrPending(first)
		if ok {
			return fmt.Errorf("%w: first deduped message %s is committed or pending", rafterrors.ErrIllegalState, first)
		}
		if termMismatch {
			if err := l.AbortOpsAfter(deduped.preceding.Index); err != nil {
				return err
			}
		}
	}

	if l.HasLeader() && l.LeaderUUID() != req.CallerUUID {
		fatalf("unexpected new leader in same term, existing leader: %s, new leader: %s",
			l.LeaderUUID(), req.CallerUUID)
		return fmt.Errorf("%w: second leader %s in term %d", rafterrors.ErrCorruption, req.CallerUUID, l.CurrentTerm())
	}
	if !l.HasLeader() {
		c.setLeaderUUID(l, req.CallerUUID)
	}
	return nil
}

func (c *RaftConsensus) deduplicate(l *StateLock, req *ConsensusRequest, deduped *leaderRequest) error {
	committed := l.CommittedOpID()
	deduped.preceding = req.PrecedingID
	dedupUpTo := l.LastReceivedOpID().Index

	for _, msg := range req.Ops {
		if msg.ID.Index <= committed.Index {
			deduped.preceding = msg.ID
			continue
		}
		if msg.ID.Index <= dedupUpTo {
			round := l.PendingOpByIndex(msg.ID.Index)
			if round == nil {
				return fmt.Errorf("%w: round not found for index %d", rafterrors.ErrIllegalState, msg.ID.Index)
			}
			if round.OpID() == msg.ID {
				deduped.preceding = msg.ID
				continue
			}
			dedupUpTo = msg.ID.Index
		}
		deduped.msgs = append(deduped.msgs, msg)
	}

	if len(deduped.msgs) != len(req.Ops) {
		c.log.Info("deduplicated request from leader",
			"original_preceding", req.PrecedingID.String(),
			"original_ops", len(req.Ops),
			"deduped_preceding", deduped.preceding.String(),
			"deduped_ops", deduped.opsRange())
	}
	return nil
}

func (c *RaftConsensus) handleLeaderRequestTerm(l *StateLock, req *ConsensusRequest, resp *ConsensusResponse) error {
	term := l.CurrentTerm()
	switch {
	case req.CallerTerm == term:
		return nil
	case req.CallerTerm < term:
		msg := fmt.Sprintf("rejecting update request from peer %s for earlier term %d, current term is %d",
			req.CallerUUID, req.CallerTerm, term)
		c.log.Info(msg)
		resp.Status.Error = &ConsensusError{Code: ErrCodeInvalidTerm, Message: msg}
		return nil
	default:
		return c.handleTermAdvance(l, req.CallerTerm)
	}
}

func (c *RaftConsensus) enforceLogMatching(l *StateLock, deduped *leaderRequest, resp *ConsensusResponse) error {
	ok, termMismatch := l.IsOpCommittedOrPending(deduped.preceding)
	if ok {
		return nil
	}

	mismatch := "index"
	if termMismatch {
		mismatch = "term"
	}
	msg := fmt.Sprintf("log matching property violated, preceding op id in replica: %s, preceding op id from leader: %s (%s mismatch)",
		l.LastReceivedOpID(), deduped.preceding, mismatch)
	resp.Status.Error = &ConsensusError{Code: ErrCodePrecedingEntryDidntMatch, Message: msg}
	c.log.Info("refusing update from remote peer", "leader", deduped.leaderUUID, "reason", msg)

	// Everything from the leader's preceding index may be overwritten; keep
	// the reported last received at or below the leader's.
	if termMismatch {
		return l.AbortOpsAfter(deduped.preceding.Index - 1)
	}
	return nil
}

// earlyCommit applies what the leader has committed and this replica already
// holds, before the new ops are prepared.
func (c *RaftConsensus) earlyCommit(l *StateLock, req *ConsensusRequest, deduped *leaderRequest) error {
	upTo := l.LastPendingOperationOpID()
	upTo = types.MinOpIDByIndex(upTo, deduped.preceding)
	upTo = types.MinOpIDByIndex(upTo, req.CommittedOpID)
	_, err := l.AdvanceCommittedOpID(upTo, true)
	return err
}

// enqueuePrepares starts the deduped ops in order. A failure truncates the
// batch; it returns false when nothing could be prepared.
func (c *RaftConsensus) enqueuePrepares(l *StateLock, req *ConsensusRequest, resp *ConsensusResponse, deduped *leaderRequest) bool {
	if len(deduped.msgs) > 0 {
		c.state.clock.Update(deduped.msgs[len(deduped.msgs)-1].HybridTime)
	}

	var prepareErr error
	prepared := 0
	for _, msg := range deduped.msgs {
		if prepareErr = c.startReplicaOperation(l, msg); prepareErr != nil {
			c.log.Warn("start replica operation failed", "op_id", msg.ID.String(), "error", prepareErr)
			break
		}
		prepared++
	}

	incomplete := prepared < len(deduped.msgs)
	if incomplete {
		c.log.Warn("could not prepare operation",
			"op_id", deduped.msgs[prepared].ID.String(),
			"suppressed", len(deduped.msgs)-prepared-1,
			"error", prepareErr)
		clear(deduped.msgs[prepared:])
		deduped.msgs = deduped.msgs[:prepared]

		if prepared == 0 {
			msg := fmt.Sprintf("rejecting update request from peer %s for term %d, could not prepare a single operation: %v",
				req.CallerUUID, req.CallerTerm, prepareErr)
			c.log.Info(msg)
			c.metrics.IncCounter(metrics.FollowerMemoryPressure, c.labels, 1)
			resp.Status.Error = &ConsensusError{Code: ErrCodeCannotPrepare, Message: msg}
			c.fillResponseOK(l, resp)
			return false
		}
	}

	deduped.committed = req.CommittedOpID
	if n := len(deduped.msgs); n > 0 {
		last := deduped.msgs[n-1].ID
		if last.Less(deduped.committed) {
			if !incomplete {
				c.log.Error("received committed op id past last known op id",
					"committed", deduped.committed.String(), "last", last.String())
			}
			deduped.committed = last
		}
	}
	return true
}

// enqueueWrites hands the prepared ops to the log and returns the last op id
// the leader sent.
func (c *RaftConsensus) enqueueWrites(deduped *leaderRequest, writeEmpty bool) types.OpID {
	if len(deduped.msgs) > 0 || writeEmpty {
		// The ops are prepared; failing to log them would apply something not durable.
		if err := c.queue.AppendOperations(deduped.msgs, deduped.committed, c.now()); err != nil {
			fatalf("append prepared operations to the log: %v", err)
		}
	}
	if n := len(deduped.msgs); n > 0 {
		return deduped.msgs[n-1].ID
	}
	return deduped.preceding
}

func (c *RaftConsensus) markCommitted(l *StateLock, req *ConsensusRequest, deduped *leaderRequest, lastFromLeader types.OpID) error {
	applyUpTo := req.CommittedOpID
	if lastFromLeader.Index < req.CommittedOpID.Index {
		applyUpTo = lastFromLeader
	}

	// Updated before the log confirms durability so that a duplicate request
	// is not handled twice.
	if n := len(deduped.msgs); n > 0 {
		l.UpdateLastReceivedOpID(deduped.msgs[n-1].ID)
	} else if l.LastReceivedOpID().Index < deduped.preceding.Index {
		return fmt.Errorf("%w: bad preceding op id %s, last received %s",
			rafterrors.ErrIllegalState, deduped.preceding, l.LastReceivedOpID())
	}

	_, err := l.AdvanceCommittedOpID(applyUpTo, true)
	if err == nil {
		c.metrics.SetGauge(metrics.CommittedIndex, c.labels, float64(l.CommittedOpID().Index))
	}
	return err
}

func (c *RaftConsensus) fillResponseOK(l *StateLock, resp *ConsensusResponse) {
	resp.ResponderTerm = l.CurrentTerm()
	resp.Status.LastReceived = l.LastReceivedOpID()
	resp.Status.LastReceivedCurrentLeader = l.LastReceivedOpIDCurLeader()
	resp.Status.LastCommittedIdx = l.CommittedOpID().Index
	resp.Status.LastApplied = l.LastAppliedOpID()
}
