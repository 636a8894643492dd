package consensus

import (
	"errors"
	"fmt"

	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// ChangeConfig replicates a single-server membership change. onComplete is
// called once the change commits or aborts; it is not called when
// ChangeConfig returns an error.
func (c *RaftConsensus) ChangeConfig(req *ChangeConfigRequest, onComplete func(error)) error {
	switch req.Type {
	case AddServer, RemoveServer, ChangeRole:
	case "":
		return fmt.Errorf("%w: must specify type", rafterrors.ErrInvalidArgument)
	default:
		return fmt.Errorf("%w: unsupported change config type %s", rafterrors.ErrInvalidArgument, req.Type)
	}
	server := req.Server
	if server.UUID == "" {
		return rafterrors.Newf(rafterrors.CodeInvalidConfig, rafterrors.ErrInvalidArgument,
			"server must have a permanent uuid")
	}

	l, err := c.state.LockForConfigChange()
	if err != nil {
		return err
	}
	defer func() {
		if l != nil {
			l.Unlock()
		}
	}()

	if err := l.CheckActiveLeader(DontNeedLease); err != nil {
		return rafterrors.WithCode(rafterrors.CodeNotTheLeader, err)
	}
	if err := c.isLeaderReadyForChangeConfig(l, req.Type, server.UUID); err != nil {
		c.log.Info("leader not ready for config change", "type", req.Type, "error", err)
		return rafterrors.WithCode(rafterrors.CodeLeaderNotReadyChangeConfig, err)
	}

	committed := l.CommittedConfig()
	if req.CASConfigOpIDIndex != nil && *req.CASConfigOpIDIndex != committed.OpIDIndex {
		return rafterrors.Newf(rafterrors.CodeCASFailed, rafterrors.ErrIllegalState,
			"request specified cas_config_opid_index of %d but the committed config has opid_index of %d",
			*req.CASConfigOpIDIndex, committed.OpIDIndex)
	}

	newConfig, err := c.applyChange(committed, req.Type, server)
	if err != nil {
		return err
	}

	msg := &ReplicateMsg{
		OpType: OpChangeConfig,
		ChangeConfig: &ChangeConfigRecord{
			OldConfig: committed,
			NewConfig: newConfig,
		},
	}
	if err := c.replicateConfigChange(l, msg, newConfig, req.Type, onComplete); err != nil {
		return err
	}
	l.Unlock()
	l = nil

	c.peers.SignalRequest(TriggerNonEmptyOnly)
	return nil
}

// applyChange returns the config that results from applying the change to
// committed.
func (c *RaftConsensus) applyChange(committed RaftConfig, typ ChangeConfigType, server RaftPeer) (RaftConfig, error) {
	newConfig := committed.Clone()
	newConfig.OpIDIndex = InvalidOpIDIndex

	switch typ {
	case AddServer:
		if committed.IsMember(server.UUID) {
			return RaftConfig{}, rafterrors.Newf(rafterrors.CodeAddChangeConfigAlreadyPresent, rafterrors.ErrIllegalState,
				"server with uuid %s is already a member of the config %s", server.UUID, committed)
		}
		if !server.MemberType.InTransition() {
			return RaftConfig{}, fmt.Errorf("%w: server %s must be of member type PRE_VOTER or PRE_OBSERVER, got %q",
				rafterrors.ErrInvalidArgument, server.UUID, server.MemberType)
		}
		if server.Address == "" {
			return RaftConfig{}, fmt.Errorf("%w: server %s must have an address", rafterrors.ErrInvalidArgument, server.UUID)
		}
		newConfig.Peers = append(newConfig.Peers, server)

	case RemoveServer:
		if server.UUID == c.peerUUID {
			return RaftConfig{}, rafterrors.Newf(rafterrors.CodeLeaderNeedsStepDown, rafterrors.ErrInvalidArgument,
				"cannot remove peer %s from the config because it is the leader", server.UUID)
		}
		var removed bool
		newConfig, removed = newConfig.WithoutPeer(server.UUID)
		if !removed {
			return RaftConfig{}, rafterrors.Newf(rafterrors.CodeRemoveChangeConfigNotPresent, rafterrors.ErrNotFound,
				"server with uuid %s is not a member of the config %s", server.UUID, committed)
		}

	case ChangeRole:
		if server.UUID == c.peerUUID {
			return RaftConfig{}, fmt.Errorf("%w: cannot change role of peer %s because it is the leader",
				rafterrors.ErrInvalidArgument, server.UUID)
		}
		i := -1
		for j, p := range newConfig.Peers {
			if p.UUID == server.UUID {
				i = j
				break
			}
		}
		if i < 0 {
			return RaftConfig{}, fmt.Errorf("%w: server with uuid %s is not a member of the config %s",
				rafterrors.ErrNotFound, server.UUID, committed)
		}
		current := newConfig.Peers[i].MemberType
		if !current.InTransition() {
			return RaftConfig{}, fmt.Errorf("%w: cannot change role of server %s because its member type is %s",
				rafterrors.ErrIllegalState, server.UUID, current)
		}
		newConfig.Peers[i].MemberType = current.Promoted()
	}
	return newConfig, nil
}

// isLeaderReadyForChangeConfig requires an entry of the current term to be
// committed, no pending config and no servers in transition. A server being
// removed does not count as in transition.
func (c *RaftConsensus) isLeaderReadyForChangeConfig(l *StateLock, typ ChangeConfigType, server types.NodeID) error {
	active := l.ActiveConfig()
	inTransition := 0
	switch typ {
	case AddServer:
		inTransition = active.CountServersInTransition("")
	case RemoveServer:
		inTransition = active.CountServersInTransition(server)
	}

	if !l.AreCommittedAndCurrentTermsSame() || l.IsConfigChangePending() || inTransition != 0 {
		pending := ""
		if l.IsConfigChangePending() {
			pending = l.PendingConfig().String()
		}
		return fmt.Errorf("%w: leader is not ready for config change, can try again; "+
			"peers in transition: %d, type: %s, committed config: %s, pending config: %s, current term: %d, committed op id: %s",
			rafterrors.ErrIllegalState, inTransition, typ, l.CommittedConfig(), pending,
			l.CurrentTerm(), l.CommittedOpID())
	}
	return nil
}

// replicateConfigChange marks newConfig as pending and appends the
// CHANGE_CONFIG round. The pending config is cleared if the append fails.
func (c *RaftConsensus) replicateConfigChange(l *StateLock, msg *ReplicateMsg, newConfig RaftConfig, typ ChangeConfigType, onComplete func(error)) error {
	round := c.newConsensusOnlyRound(msg, onComplete)
	c.log.Info("setting replicate pending config", "config", newConfig.String(), "type", typ)

	if err := l.SetPendingConfig(newConfig); err != nil {
		return err
	}

	c.refreshQueueAndPeers(l)
	if err := c.appendNewRounds(l, []*ConsensusRound{round}); err != nil {
		if l.IsConfigChangePending() {
			if clearErr := l.ClearPendingConfig(); clearErr != nil {
				c.log.Warn("could not clear pending config", "error", clearErr)
			}
		}
		return err
	}
	return nil
}

// promotePeer turns a caught up PRE_VOTER or PRE_OBSERVER into a full
// member. It is called by the peer session after a successful exchange.
func (c *RaftConsensus) promotePeer(peer RaftPeer) {
	req := &ChangeConfigRequest{
		TabletID: c.tabletID,
		Type:     ChangeRole,
		Server:   RaftPeer{UUID: peer.UUID},
	}
	err := c.ChangeConfig(req, func(err error) {
		if err != nil {
			c.log.Info("promotion of peer aborted", "remote_peer", peer.UUID, "error", err)
			return
		}
		c.log.Info("promoted peer", "remote_peer", peer.UUID, "member_type", peer.MemberType.Promoted())
	})
	if err == nil {
		return
	}
	if code, ok := rafterrors.CodeOf(err); ok &&
		(code == rafterrors.CodeLeaderNotReadyChangeConfig || code == rafterrors.CodeNotTheLeader) {
		c.log.Debug("peer not promoted yet", "remote_peer", peer.UUID, "error", err)
		return
	}
	c.log.Warn("unable to change role of peer", "remote_peer", peer.UUID, "error", err)
}

// UpdateMajorityReplicated is called by the queue with what a majority of
// voters acknowledged. It stores the majority leases and advances the commit
// index.
func (c *RaftConsensus) UpdateMajorityReplicated(data MajorityReplicatedData) (types.OpID, types.OpID, error) {
	l, err := c.state.LockForMajorityReplicatedIndexUpdate()
	if err != nil {
		c.log.Warn("unable to take state lock to update committed index", "error", err)
		return types.OpID{}, types.OpID{}, err
	}

	var resetOld, resetOldHT bool
	if c.cfg.EnableLeaseRevocation {
		if holder := l.OldLeaderLease().HolderUUID; holder != "" && c.queue.PeerAcceptedOurLease(holder) {
			resetOld = true
		}
		if holder := l.OldLeaderHTLease().HolderUUID; holder != "" && c.queue.PeerAcceptedOurLease(holder) {
			resetOldHT = true
		}
	}
	l.SetMajorityReplicatedLeaseExpiration(data, resetOld, resetOldHT)

	committed, changed, lastApplied, err := l.UpdateMajorityReplicated(data.OpID)
	if l.LeaderState(NeedLease).Status == LeaderAndReady {
		c.context.MajorityReplicated()
	}
	if err != nil {
		l.Unlock()
		c.log.Warn("unable to mark committed", "majority_replicated", data.OpID.String(), "error", err)
		return types.OpID{}, types.OpID{}, err
	}

	if !changed || l.ActiveRole() != RoleLeader {
		l.Unlock()
		return committed, lastApplied, nil
	}

	// Nothing else is pending; the local log records the commit index with an
	// empty batch.
	if committed == l.LastReceivedOpID() {
		err := c.queue.AppendOperations(nil, committed, c.now())
		if err != nil && !errors.Is(err, rafterrors.ErrServiceUnavailable) {
			c.log.Error("failed to append empty batch", "committed", committed.String(), "error", err)
		}
	}
	l.Unlock()

	c.peers.SignalRequest(TriggerNonEmptyOnly)
	return committed, lastApplied, nil
}

// NotifyTermChange is called by the queue when a peer reports a higher term.
func (c *RaftConsensus) NotifyTermChange(term types.Term) {
	l, err := c.state.LockForConfigChange()
	if err != nil {
		c.log.Warn("unable to lock replica state for config change when notified of new term",
			"term", term, "error", err)
		return
	}
	defer l.Unlock()
	if err := c.handleTermAdvance(l, term); err != nil {
		c.log.Warn("couldn't advance consensus term", "error", err)
	}
}

// NotifyFailedFollower evicts a follower the queue considers failed.
func (c *RaftConsensus) NotifyFailedFollower(uuid types.NodeID, term types.Term, reason string) {
	log := c.log.With("remote_peer", uuid, "failure_term", term, "reason", reason)
	if !c.cfg.EvictFailedFollowers {
		log.Info("eviction of failed followers is disabled, doing nothing")
		return
	}

	l := c.state.LockForRead()
	if current := l.CurrentTerm(); current != term {
		l.Unlock()
		log.Info("notified about a follower failure in a previous term, doing nothing", "term", current)
		return
	}
	if l.IsConfigChangePending() {
		l.Unlock()
		log.Info("config change in progress, unable to evict follower until it completes")
		return
	}
	committed := l.CommittedConfig()
	l.Unlock()

	c.dispatch(func() { c.tryRemoveFollower(uuid, committed, reason) })
}

func (c *RaftConsensus) tryRemoveFollower(uuid types.NodeID, committed RaftConfig, reason string) {
	casIndex := committed.OpIDIndex
	req := &ChangeConfigRequest{
		TabletID:           c.tabletID,
		Type:               RemoveServer,
		Server:             RaftPeer{UUID: uuid},
		CASConfigOpIDIndex: &casIndex,
	}
	c.log.Info("attempting to remove follower from the config",
		"remote_peer", uuid, "commit_index", casIndex, "reason", reason)
	if err := c.ChangeConfig(req, nil); err != nil {
		c.log.Warn("unable to remove follower", "remote_peer", uuid, "error", err)
	}
}
