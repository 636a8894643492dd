package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/quorum"

	"tabletraft/pkg/clock"
	"tabletraft/pkg/config"
	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
	"tabletraft/pkg/worker"
)

// coarseClockSlack keeps the lease the leader assumes below the one the
// follower records.
const coarseClockSlack = 2 * time.Millisecond

type queueState int

const (
	queueConstructed queueState = iota
	queueOpen
	queueClosed
)

type queueMode int

const (
	modeNonLeader queueMode = iota
	modeLeader
)

func (m queueMode) String() string {
	if m == modeLeader {
		return "LEADER"
	}
	return "NON_LEADER"
}

type Options struct {
	TabletID  types.TabletID
	LocalPeer consensus.RaftPeer
	Log       consensus.Log
	Raft      config.RaftConfig
	Clock     clock.Clock
	Now       func() time.Time
	// NotificationBuffer bounds the observer notifications waiting to run.
	NotificationBuffer int
	Logger             *slog.Logger
}

// PeerMessageQueue tracks what every peer has received and builds the
// requests that bring them up to date. The local peer is tracked as well and
// acknowledges through the log append callback.
type PeerMessageQueue struct {
	tabletID  types.TabletID
	localPeer consensus.RaftPeer
	cfg       config.RaftConfig
	clock     clock.Clock
	now       func() time.Time
	cache     *LogCache
	log       *slog.Logger

	notifications chan func()
	notifier      *worker.Drainer[func()]

	mu                 sync.Mutex
	state              queueState
	mode               queueMode
	currentTerm        types.Term
	committed          types.OpID
	lastApplied        types.OpID
	majorityReplicated types.OpID
	allReplicated      types.OpID
	allApplied         types.OpID
	lastAppended       types.OpID
	activeConfig       *consensus.RaftConfig
	peers              map[types.NodeID]*trackedPeer
	local              *trackedPeer
	observers          []consensus.QueueObserver
}

func New(opts Options) *PeerMessageQueue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewHybridWithSource(opts.Now)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = 1024
	}

	q := &PeerMessageQueue{
		tabletID:      opts.TabletID,
		localPeer:     opts.LocalPeer,
		cfg:           opts.Raft,
		clock:         opts.Clock,
		now:           opts.Now,
		cache:         NewLogCache(opts.Log),
		log:           opts.Logger.With("tablet", opts.TabletID, "peer", opts.LocalPeer.UUID, "component", "queue"),
		notifications: make(chan func(), opts.NotificationBuffer),
		peers:         make(map[types.NodeID]*trackedPeer),
	}
	q.notifier = worker.NewDrainer(q.notifications, worker.DrainerOptions[func()]{
		Name:     "queue-observers",
		MaxBatch: 16,
		Handle: func(tasks []func()) error {
			for _, task := range tasks {
				task()
			}
			return nil
		},
		OnStop: func(rest []func()) {
			if len(rest) > 0 {
				q.log.Info("dropping observer notifications on close", "count", len(rest))
			}
		},
	})
	return q
}

// Init opens the queue after the last locally replicated entry.
func (q *PeerMessageQueue) Init(lastLocallyReplicated types.OpID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != queueConstructed {
		q.log.Error("queue initialized twice", "state", q.state)
		return
	}
	q.cache.Init(lastLocallyReplicated)
	q.lastAppended = lastLocallyReplicated
	q.state = queueOpen
	q.local = q.trackPeerLocked(q.localPeer.UUID)
	q.notifier.Start(context.Background())
}

func (q *PeerMessageQueue) SetLeaderMode(committed types.OpID, term types.Term, lastApplied types.OpID, active consensus.RaftConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.currentTerm = term
	q.committed = committed
	q.lastApplied = lastApplied
	q.majorityReplicated = committed
	cfg := active.Clone()
	q.activeConfig = &cfg
	if !cfg.IsVoter(q.localPeer.UUID) {
		q.log.Error("local peer is not a voter in the active config", "config", cfg.String())
	}
	q.mode = modeLeader
	q.log.Info("queue going to LEADER mode", "term", term, "committed", committed.String(),
		"majority_size", consensus.MajoritySize(cfg.CountVoters()))
	q.checkPeersInActiveConfigLocked()

	// Restart the failure timeout of every peer.
	now := q.now()
	for _, peer := range q.peers {
		peer.resetLeaderLeases()
		peer.lastSuccessfulCommunication = now
	}
}

func (q *PeerMessageQueue) SetNonLeaderMode() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.activeConfig = nil
	q.mode = modeNonLeader
	q.log.Info("queue going to NON_LEADER mode", "term", q.currentTerm, "committed", q.committed.String())
}

func (q *PeerMessageQueue) TrackPeer(uuid types.NodeID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trackPeerLocked(uuid)
}

func (q *PeerMessageQueue) trackPeerLocked(uuid types.NodeID) *trackedPeer {
	// Until the peer answers we assume its log matches ours; negotiation
	// moves nextIndex back otherwise.
	peer := newTrackedPeer(uuid, q.lastAppended.Index+1, q.now())
	q.peers[uuid] = peer
	q.checkPeersInActiveConfigLocked()

	// We don't know how far behind the new peer is.
	q.allReplicated = types.OpID{}
	return peer
}

func (q *PeerMessageQueue) UntrackPeer(uuid types.NodeID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.peers, uuid)
}

func (q *PeerMessageQueue) checkPeersInActiveConfigLocked() {
	if q.mode != modeLeader || q.activeConfig == nil {
		return
	}
	for uuid := range q.peers {
		if !q.activeConfig.IsMember(uuid) {
			q.log.Error("tracked peer is not in the active config", "remote_peer", uuid,
				"config", q.activeConfig.String())
		}
	}
}

// AppendOperations appends to the log and the cache. The local peer
// acknowledges once the log made the entries durable.
func (q *PeerMessageQueue) AppendOperations(msgs []*consensus.ReplicateMsg, committed types.OpID, batchTime time.Time) error {
	q.mu.Lock()
	last := q.lastAppended
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].ID
		if last.Term > q.currentTerm {
			q.currentTerm = last.Term
		}
	}
	q.mu.Unlock()

	// The queue lock is not held while appending: a full log buffer waits
	// for append callbacks that need it.
	err := q.cache.AppendOperations(msgs, committed, func(err error) {
		q.localPeerAppendFinished(last, err)
	})
	if err != nil {
		return err
	}

	if len(msgs) > 0 {
		q.mu.Lock()
		q.lastAppended = last
		q.mu.Unlock()
		q.log.Debug("appended operations", "count", len(msgs), "last", last.String(), "batch_time", batchTime)
	}
	return nil
}

func (q *PeerMessageQueue) localPeerAppendFinished(id types.OpID, err error) {
	if err != nil {
		q.log.Error("local log append failed", "op_id", id.String(), "error", err)
		return
	}

	resp := &consensus.ConsensusResponse{ResponderUUID: q.localPeer.UUID}
	resp.Status.LastReceived = id
	resp.Status.LastReceivedCurrentLeader = id

	q.mu.Lock()
	// Callbacks can overtake the rest of AppendOperations.
	if q.lastAppended.Index < id.Index {
		q.lastAppended = id
	}
	resp.Status.LastCommittedIdx = q.committed.Index
	resp.Status.LastApplied = q.lastApplied
	if q.mode != modeLeader {
		q.mu.Unlock()
		q.cache.EvictThroughOp(id.Index)
		return
	}
	q.mu.Unlock()

	q.ResponseFromPeer(q.localPeer.UUID, resp)
}

// RequestForPeer builds the next request for a remote peer. A peer that never
// answered gets a status-only request.
func (q *PeerMessageQueue) RequestForPeer(uuid types.NodeID) (*consensus.PeerRequest, error) {
	q.mu.Lock()
	if q.state != queueOpen {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: queue is not open", rafterrors.ErrIllegalState)
	}
	peer, ok := q.peers[uuid]
	if !ok || q.mode != modeLeader {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: peer %s not tracked or queue not in leader mode", rafterrors.ErrNotFound, uuid)
	}

	req := &consensus.ConsensusRequest{
		CallerTerm:    q.currentTerm,
		PrecedingID:   q.lastAppended,
		CommittedOpID: q.committed,
	}
	if peer.isNew {
		peer.resetLeaderLeases()
	} else {
		now := q.now()
		req.LeaderLeaseDuration = q.cfg.LeaderLeaseDuration
		peer.leaseLastSent = now.Add(q.cfg.LeaderLeaseDuration - coarseClockSlack)
		if q.cfg.HTLeaseDuration > 0 {
			ht := q.clock.Now().PhysicalMicros() + uint64(q.cfg.HTLeaseDuration.Microseconds())
			req.HTLeaseExpiration = ht
			peer.htLeaseLastSent = ht
		}
	}

	out := &consensus.PeerRequest{
		Request:              req,
		NeedsRemoteBootstrap: peer.needsRemoteBootstrap,
		MemberType:           peer.memberType,
		LastExchangeOK:       peer.lastExchangeSuccessful,
	}
	unreachable := q.now().Sub(peer.lastSuccessfulCommunication)
	isNew := peer.isNew
	nextIndex := peer.nextIndex
	// Without an ack for the previous batch, send half as much.
	var toIndex types.LogIndex
	if peer.lastNumMessagesSent >= 0 {
		toIndex = nextIndex + types.LogIndex(max(peer.lastNumMessagesSent/2-1, 0))
	}
	peer.currentRetransmissions++
	isVoter := peer.memberType == consensus.MemberVoter
	voters := 0
	if q.activeConfig != nil {
		voters = q.activeConfig.CountVoters()
	}
	term := q.currentTerm
	q.mu.Unlock()

	// Two voters are never reduced to one automatically.
	if limit := q.cfg.FollowerUnavailableConsideredFailed; limit > 0 && unreachable > limit && (!isVoter || voters > 2) {
		q.notifyFailedFollower(uuid, term, fmt.Sprintf(
			"leader has been unable to successfully communicate with peer %s for more than %s (%s)",
			uuid, limit, unreachable))
	}

	if out.NeedsRemoteBootstrap {
		q.log.Info("peer needs remote bootstrap", "remote_peer", uuid)
		return out, nil
	}
	if isNew {
		return out, nil
	}

	msgs, preceding, err := q.cache.ReadOps(nextIndex-1, toIndex, q.cfg.MaxBatchSizeBytes)
	if err != nil {
		if errors.Is(err, rafterrors.ErrNotFound) {
			q.notifyFailedFollower(uuid, term, fmt.Sprintf(
				"the logs necessary to catch up peer %s have been garbage collected, the follower will never be able to catch up (%v)",
				uuid, err))
		}
		return nil, err
	}
	// A lagging follower must not learn of a commit index past what it has.
	if n := len(msgs); n > 0 && msgs[n-1].ID.Index < req.CommittedOpID.Index {
		req.CommittedOpID = msgs[n-1].ID
	}
	req.PrecedingID = preceding
	req.Ops = msgs

	q.mu.Lock()
	if peer, ok := q.peers[uuid]; ok {
		peer.lastNumMessagesSent = len(msgs)
	}
	q.mu.Unlock()
	return out, nil
}

func (q *PeerMessageQueue) RemoteBootstrapRequestForPeer(uuid types.NodeID) (*consensus.StartRemoteBootstrapRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	peer, ok := q.peers[uuid]
	if !ok || q.mode != modeLeader {
		return nil, fmt.Errorf("%w: peer %s not tracked or queue not in leader mode", rafterrors.ErrNotFound, uuid)
	}
	if !peer.needsRemoteBootstrap {
		return nil, fmt.Errorf("%w: peer %s does not need to remotely bootstrap", rafterrors.ErrIllegalState, uuid)
	}
	if peer.memberType == consensus.MemberVoter || peer.memberType == consensus.MemberObserver {
		q.log.Info("remote bootstrapping peer", "remote_peer", uuid, "member_type", peer.memberType)
	}
	peer.needsRemoteBootstrap = false
	return &consensus.StartRemoteBootstrapRequest{
		TabletID:          q.tabletID,
		DestUUID:          uuid,
		BootstrapPeerUUID: q.localPeer.UUID,
		BootstrapPeerAddr: q.localPeer.Address,
		CallerTerm:        q.currentTerm,
	}, nil
}

func (q *PeerMessageQueue) NotifyPeerIsResponsiveDespiteError(uuid types.NodeID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if peer, ok := q.peers[uuid]; ok {
		peer.lastSuccessfulCommunication = q.now()
	}
}

// ResponseFromPeer records a peer response. It returns true when the peer
// should be sent another request right away.
func (q *PeerMessageQueue) ResponseFromPeer(uuid types.NodeID, resp *consensus.ConsensusResponse) bool {
	var (
		majority consensus.MajorityReplicatedData
		leader   bool
		more     bool
	)

	q.mu.Lock()
	peer, ok := q.peers[uuid]
	if q.state != queueOpen || !ok {
		q.mu.Unlock()
		q.log.Warn("queue is closed or peer was untracked, disregarding peer response", "remote_peer", uuid)
		return false
	}

	if resp.Error != nil {
		if resp.Error.Code != rafterrors.CodeTabletNotFound {
			q.mu.Unlock()
			q.log.Error("unexpected tablet error from peer", "remote_peer", uuid, "error", resp.Error)
			return false
		}
		peer.needsRemoteBootstrap = true
		// The peer is alive; it must not be evicted while bootstrapping.
		peer.lastSuccessfulCommunication = q.now()
		q.mu.Unlock()
		q.log.Info("marked peer as needing remote bootstrap", "remote_peer", uuid)
		return true
	}

	if q.activeConfig != nil {
		member, ok := q.activeConfig.Member(uuid)
		if !ok {
			q.mu.Unlock()
			q.log.Error("peer not in active config", "remote_peer", uuid)
			return false
		}
		peer.memberType = member.MemberType
	} else {
		peer.memberType = ""
	}

	wasNew := peer.isNew
	peer.isNew = false
	peer.lastSuccessfulCommunication = q.now()
	peer.lastNumMessagesSent = -1
	peer.currentRetransmissions = -1

	status := resp.Status
	peer.lastKnownCommittedIdx = status.LastCommittedIdx
	peer.lastApplied = status.LastApplied

	switch {
	case q.isOpInLog(status.LastReceived):
		peer.lastReceived = status.LastReceived
		peer.nextIndex = peer.lastReceived.Index + 1
	case !status.LastReceivedCurrentLeader.Empty():
		// The logs diverged but we already replicated to this peer; keep
		// going until the divergent suffix is overwritten.
		peer.lastReceived = status.LastReceivedCurrentLeader
		peer.nextIndex = peer.lastReceived.Index + 1
	default:
		// Resume from the peer's committed index instead of stepping back
		// one entry at a time.
		peer.nextIndex = peer.lastKnownCommittedIdx + 1
	}

	if status.Error != nil {
		peer.lastExchangeSuccessful = false
		switch status.Error.Code {
		case consensus.ErrCodePrecedingEntryDidntMatch:
			q.mu.Unlock()
			if wasNew {
				q.log.Info("connected to new peer", "remote_peer", uuid, "next_index", peer.nextIndex)
			} else {
				q.log.Info("got LMP mismatch error from peer", "remote_peer", uuid, "next_index", peer.nextIndex)
			}
			return true
		case consensus.ErrCodeInvalidTerm:
			q.mu.Unlock()
			q.log.Info("peer responded invalid term", "remote_peer", uuid, "peer_term", resp.ResponderTerm)
			q.notifyTermChange(resp.ResponderTerm)
			return false
		default:
			q.mu.Unlock()
			q.log.Warn("peer rejected update", "remote_peer", uuid, "error", status.Error)
			return false
		}
	}

	peer.lastExchangeSuccessful = true
	if resp.ResponderTerm > q.currentTerm {
		term := resp.ResponderTerm
		q.mu.Unlock()
		q.log.Warn("peer responded with a higher term without an error", "remote_peer", uuid, "peer_term", term)
		q.notifyTermChange(term)
		return false
	}

	more = q.cache.HasOpBeenWritten(peer.nextIndex) || peer.lastKnownCommittedIdx < q.committed.Index

	leader = q.mode == modeLeader
	if leader {
		if op, ok := q.opIDWatermarkLocked(); ok {
			q.majorityReplicated = op
		}
		peer.onReplyFromFollower()

		majority.OpID = q.majorityReplicated
		majority.LeaderLeaseExpiration = q.leaderLeaseWatermarkLocked()
		majority.HTLeaseExpiration = q.htLeaseWatermarkLocked()
	}

	q.updateAllReplicatedLocked()
	q.updateAllAppliedLocked()
	evict := q.allReplicated.Index
	q.mu.Unlock()

	q.cache.EvictThroughOp(evict)

	if leader {
		q.notifyMajorityReplicated(majority)
	}
	return more
}

func (q *PeerMessageQueue) isOpInLog(op types.OpID) bool {
	id, err := q.cache.LookupOpID(op.Index)
	if err != nil {
		return false
	}
	return id == op
}

func (q *PeerMessageQueue) updateAllReplicatedLocked() {
	lowest := types.MaxOpID
	for _, peer := range q.peers {
		if !peer.lastExchangeSuccessful {
			return
		}
		if peer.lastReceived.Index < lowest.Index {
			lowest = peer.lastReceived
		}
	}
	if lowest != types.MaxOpID {
		q.allReplicated = lowest
	}
}

func (q *PeerMessageQueue) updateAllAppliedLocked() {
	lowest := types.MaxOpID
	for _, peer := range q.peers {
		if !peer.lastExchangeSuccessful {
			return
		}
		lowest = types.MinOpID(lowest, peer.lastApplied)
	}
	if lowest != types.MaxOpID {
		q.allApplied = lowest
	}
}

// ackedIndexes adapts per-voter values to quorum.AckedIndexer.
type ackedIndexes map[uint64]quorum.Index

func (a ackedIndexes) AckedIndex(id uint64) (quorum.Index, bool) {
	idx, ok := a[id]
	return idx, ok
}

// watermarkLocked returns the largest value acknowledged by a majority of
// the active voters. Only peers whose last exchange succeeded count.
// localInfinite treats the local peer as holding every value.
func (q *PeerMessageQueue) watermarkLocked(value func(*trackedPeer) uint64, localInfinite bool) (uint64, bool) {
	if q.activeConfig == nil {
		return 0, false
	}
	voters := q.activeConfig.Voters()
	if len(voters) == 0 {
		return 0, false
	}
	majority := make(quorum.MajorityConfig, len(voters))
	acked := make(ackedIndexes, len(voters))
	for i, uuid := range voters {
		id := uint64(i + 1)
		majority[id] = struct{}{}
		if localInfinite && uuid == q.localPeer.UUID {
			acked[id] = quorum.Index(math.MaxUint64)
			continue
		}
		peer, ok := q.peers[uuid]
		if !ok || !peer.lastExchangeSuccessful {
			continue
		}
		acked[id] = quorum.Index(value(peer))
	}
	return uint64(majority.CommittedIndex(acked)), true
}

func (q *PeerMessageQueue) opIDWatermarkLocked() (types.OpID, bool) {
	idx, ok := q.watermarkLocked(func(p *trackedPeer) uint64 {
		return uint64(p.lastReceived.Index)
	}, false)
	if !ok || idx == 0 {
		return types.OpID{}, false
	}
	index := types.LogIndex(idx)
	if q.local != nil && q.local.lastReceived.Index == index {
		return q.local.lastReceived, true
	}
	for _, peer := range q.peers {
		if peer.lastExchangeSuccessful && peer.lastReceived.Index == index {
			return peer.lastReceived, true
		}
	}
	return types.OpID{}, false
}

func (q *PeerMessageQueue) leaderLeaseWatermarkLocked() time.Time {
	v, ok := q.watermarkLocked(func(p *trackedPeer) uint64 {
		if p.leaseLastReceived.IsZero() {
			return 0
		}
		return uint64(p.leaseLastReceived.UnixNano())
	}, true)
	switch {
	case !ok || v == 0:
		return time.Time{}
	case v == math.MaxUint64:
		return time.Unix(0, math.MaxInt64)
	}
	return time.Unix(0, int64(v))
}

func (q *PeerMessageQueue) htLeaseWatermarkLocked() uint64 {
	v, ok := q.watermarkLocked(func(p *trackedPeer) uint64 {
		return p.htLeaseLastReceived
	}, true)
	switch {
	case !ok:
		return 0
	case v == math.MaxUint64:
		return clock.MaxPhysicalMicros
	}
	return v
}

func (q *PeerMessageQueue) RegisterObserver(o consensus.QueueObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.observers {
		if existing == o {
			return
		}
	}
	q.observers = append(q.observers, o)
}

func (q *PeerMessageQueue) UnregisterObserver(o consensus.QueueObserver) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.observers {
		if existing == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: can't find observer", rafterrors.ErrNotFound)
}

func (q *PeerMessageQueue) observersCopy() []consensus.QueueObserver {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]consensus.QueueObserver(nil), q.observers...)
}

// notify queues task for the observer goroutine. Notifications run in the
// order they were queued.
func (q *PeerMessageQueue) notify(title string, task func()) {
	q.mu.Lock()
	closed := q.state == queueClosed
	q.mu.Unlock()
	if closed {
		return
	}
	select {
	case q.notifications <- task:
	default:
		q.log.Warn("unable to notify observers", "notification", title)
	}
}

func (q *PeerMessageQueue) notifyMajorityReplicated(data consensus.MajorityReplicatedData) {
	q.notify("majority replicated op change", func() {
		var committed, lastApplied types.OpID
		for _, o := range q.observersCopy() {
			c, a, err := o.UpdateMajorityReplicated(data)
			if err != nil {
				continue
			}
			committed, lastApplied = c, a
		}

		q.mu.Lock()
		defer q.mu.Unlock()
		if committed.Index > q.committed.Index {
			q.committed = committed
		}
		q.lastApplied.MakeAtLeast(lastApplied)
		if q.local != nil {
			q.local.lastApplied = q.lastApplied
		}
		q.updateAllAppliedLocked()
	})
}

func (q *PeerMessageQueue) notifyTermChange(term types.Term) {
	q.notify("term change", func() {
		for _, o := range q.observersCopy() {
			o.NotifyTermChange(term)
		}
	})
}

func (q *PeerMessageQueue) notifyFailedFollower(uuid types.NodeID, term types.Term, reason string) {
	q.notify("failed follower", func() {
		for _, o := range q.observersCopy() {
			o.NotifyFailedFollower(uuid, term, reason)
		}
	})
}

// PeerAcceptedOurLease reports whether uuid acknowledged a lease from this leader.
func (q *PeerMessageQueue) PeerAcceptedOurLease(uuid types.NodeID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	peer, ok := q.peers[uuid]
	return ok && !peer.leaseLastReceived.IsZero()
}

// CanPeerBecomeLeader requires the peer to have everything a majority has.
func (q *PeerMessageQueue) CanPeerBecomeLeader(uuid types.NodeID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	peer, ok := q.peers[uuid]
	if !ok {
		q.log.Error("invalid peer uuid", "remote_peer", uuid)
		return false
	}
	if peer.lastReceived.Less(q.majorityReplicated) {
		q.log.Info("peer cannot become leader as it is not caught up",
			"remote_peer", uuid,
			"majority", q.majorityReplicated.String(),
			"peer_op_id", peer.lastReceived.String())
		return false
	}
	return true
}

// GetUpToDatePeer picks a remote peer with the highest last received op,
// at random among ties.
func (q *PeerMessageQueue) GetUpToDatePeer() types.NodeID {
	q.mu.Lock()
	var (
		highest    types.OpID
		candidates []types.NodeID
	)
	for uuid, peer := range q.peers {
		if uuid == q.localPeer.UUID {
			continue
		}
		switch cmp := peer.lastReceived.Compare(highest); {
		case cmp < 0:
		case cmp == 0:
			candidates = append(candidates, uuid)
		default:
			candidates = []types.NodeID{uuid}
			highest = peer.lastReceived
		}
	}
	q.mu.Unlock()

	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.IntN(len(candidates))]
}

func (q *PeerMessageQueue) MajorityReplicatedOpID() types.OpID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.majorityReplicated
}

func (q *PeerMessageQueue) PeerLastReceived(uuid types.NodeID) (types.OpID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	peer, ok := q.peers[uuid]
	if !ok {
		return types.OpID{}, false
	}
	return peer.lastReceived, true
}

// AllReplicatedOpID is the op every tracked peer has.
func (q *PeerMessageQueue) AllReplicatedOpID() types.OpID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allReplicated
}

func (q *PeerMessageQueue) CommittedOpID() types.OpID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committed
}

// Close drops all peers and stops notifying observers.
func (q *PeerMessageQueue) Close() {
	q.mu.Lock()
	if q.state == queueClosed {
		q.mu.Unlock()
		return
	}
	started := q.state == queueOpen
	q.state = queueClosed
	q.peers = make(map[types.NodeID]*trackedPeer)
	q.local = nil
	q.mu.Unlock()

	if started {
		q.notifier.Stop()
	}
}

func (q *PeerMessageQueue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("PeerMessageQueue(mode=%s, term=%d, committed=%s, majority_replicated=%s, all_replicated=%s, last_appended=%s, peers=%d, cache=%s)",
		q.mode, q.currentTerm, q.committed, q.majorityReplicated, q.allReplicated, q.lastAppended, len(q.peers), q.cache)
}
