package consensus

import (
	"context"
	"fmt"
	"time"

	"tabletraft/pkg/metrics"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// StepDown gives up leadership, optionally handing it to a caught up voter.
// Rejections are reported in the response.
func (c *RaftConsensus) StepDown(req *StepDownRequest) (*StepDownResponse, error) {
	l, err := c.state.LockForConfigChange()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	resp := &StepDownResponse{}
	reject := func(code rafterrors.Code, format string, args ...any) (*StepDownResponse, error) {
		resp.Error = &ServerError{Code: code, Message: fmt.Sprintf(format, args...)}
		return resp, nil
	}

	if req.TabletID != c.tabletID {
		c.log.Error("received a leader stepdown operation for wrong tablet", "request_tablet", req.TabletID)
		return reject(rafterrors.CodeUnknown, "received a leader stepdown operation for wrong tablet id: %s, must be: %s",
			req.TabletID, c.tabletID)
	}
	if l.ActiveRole() != RoleLeader {
		return reject(rafterrors.CodeNotTheLeader, "not currently leader")
	}
	if msg := c.serversInTransitionMessage(l); msg != "" {
		return reject(rafterrors.CodeLeaderNotReadyToStepDown, "%s", msg)
	}

	newLeader := req.NewLeaderUUID
	if newLeader != "" && !req.ForceStepDown && !c.queue.CanPeerBecomeLeader(newLeader) {
		return reject(rafterrors.CodeLeaderNotReadyToStepDown, "suggested peer %s is not caught up yet", newLeader)
	}

	graceful := false
	if newLeader == "" && !c.cfg.StepdownDisableGracefulTransition && !req.DisableGracefulTransition {
		newLeader = c.queue.GetUpToDatePeer()
		c.log.Info("selected up to date candidate protege leader", "protege", newLeader)
		graceful = true
	}

	if newLeader != "" && !req.ForceStepDown && newLeader == c.protegeUUID && !c.electionLostByProtegeAt.IsZero() {
		since := c.now().Sub(c.electionLostByProtegeAt)
		if since < c.cfg.MinLeaderStepdownRetryInterval {
			c.log.Info("unable to transfer leadership, the intended leader lost an election recently",
				"protege", newLeader, "since", since, "retry_interval", c.cfg.MinLeaderStepdownRetryInterval)
			if req.NewLeaderUUID != "" {
				resp.TimeSinceElectionLoss = since
				return reject(rafterrors.CodeLeaderNotReadyToStepDown, "suggested peer %s lost an election recently", newLeader)
			}
			newLeader = ""
		}
		c.electionLostByProtegeAt = time.Time{}
	}

	if newLeader != "" {
		peer, ok := l.ActiveConfig().Member(newLeader)
		if ok && peer.MemberType == MemberVoter {
			c.sendRunLeaderElection(peer, req.DestUUID, l.CommittedOpID())
			c.log.Info("transferring leadership", "from", c.peerUUID, "to", newLeader)
		} else {
			c.log.Warn("new leader not found among tablet peers", "new_leader", newLeader)
			if req.NewLeaderUUID != "" {
				return reject(rafterrors.CodeLeaderNotReadyToStepDown, "new leader %s not found among peers", newLeader)
			}
			newLeader = ""
		}
	}

	c.metrics.IncCounter(metrics.StepDowns, c.labels, 1)
	c.becomeReplica(l, newLeader, defaultFailureWait, graceful)
	return resp, nil
}

// serversInTransitionMessage is empty when neither the active nor the
// committed config has PRE_* members.
func (c *RaftConsensus) serversInTransitionMessage(l *StateLock) string {
	active := l.ActiveConfig()
	committed := l.CommittedConfig()
	inActive := active.CountServersInTransition("")
	inCommitted := committed.CountServersInTransition("")
	if inActive == 0 && inCommitted == 0 {
		return ""
	}
	msg := fmt.Sprintf("leader not ready to step down as there are %d active config peers in transition, %d in committed; active=%s committed=%s",
		inActive, inCommitted, active, committed)
	c.log.Info(msg)
	return msg
}

func (c *RaftConsensus) sendRunLeaderElection(peer RaftPeer, originator types.NodeID, committed types.OpID) {
	if originator == "" {
		originator = c.peerUUID
	}
	req := &RunLeaderElectionRequest{
		TabletID:       c.tabletID,
		DestUUID:       peer.UUID,
		OriginatorUUID: originator,
		CommittedIndex: committed,
	}
	c.dispatch(func() {
		proxy, err := c.proxies.NewProxy(peer)
		if err != nil {
			c.log.Warn("run leader election on peer", "remote_peer", peer.UUID, "error", err)
			return
		}
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
		defer cancel()
		resp, err := proxy.RunLeaderElection(ctx, req)
		switch {
		case err != nil:
			c.log.Warn("RPC error from RunLeaderElection call to peer", "remote_peer", peer.UUID, "error", err)
		case resp.Error != nil:
			c.log.Warn("tablet error from RunLeaderElection call to peer", "remote_peer", peer.UUID, "error", resp.Error)
		}
	})
}
