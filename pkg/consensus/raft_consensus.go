package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"tabletraft/pkg/clock"
	"tabletraft/pkg/config"
	"tabletraft/pkg/metrics"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
	"tabletraft/pkg/worker"
)

// RejectMode makes Update refuse requests. It exists for failure injection.
type RejectMode int32

const (
	RejectNone RejectMode = iota
	RejectAll
	RejectNonEmpty
)

func (m RejectMode) String() string {
	switch m {
	case RejectNone:
		return "NONE"
	case RejectAll:
		return "ALL"
	case RejectNonEmpty:
		return "NON_EMPTY"
	}
	return fmt.Sprintf("RejectMode(%d)", int(m))
}

const (
	minNanos int64 = math.MinInt64
	maxNanos int64 = math.MaxInt64
)

// StateChangeReason tells observers why the consensus state changed.
type StateChangeReason string

const (
	StateChangeConsensusStarted             StateChangeReason = "CONSENSUS_STARTED"
	StateChangeNewLeaderElected             StateChangeReason = "NEW_LEADER_ELECTED"
	StateChangeLeaderConfigChangeComplete   StateChangeReason = "LEADER_CONFIG_CHANGE_COMPLETE"
	StateChangeFollowerConfigChangeComplete StateChangeReason = "FOLLOWER_CONFIG_CHANGE_COMPLETE"
	StateChangeFollowerNoOpComplete         StateChangeReason = "FOLLOWER_NO_OP_COMPLETE"
)

type Options struct {
	TabletID types.TabletID
	Raft     config.RaftConfig
	Metadata *Metadata
	Log      Log
	Context  ConsensusContext
	Queue    ReplicationQueue
	Proxies  PeerProxyFactory
	// Pool runs failure detector callbacks, peer requests and notifications.
	// It is owned by the caller.
	Pool    *worker.Pool
	Clock   clock.Clock
	Now     func() time.Time
	Metrics metrics.Collector
	Logger  *slog.Logger
	// MarkDirty is called on the pool after a change of the consensus state.
	MarkDirty func(reason StateChangeReason)
}

// RaftConsensus drives one replica of a tablet: elections, the follower
// Update pipeline, leader replication, leases and membership changes.
type RaftConsensus struct {
	tabletID  types.TabletID
	peerUUID  types.NodeID
	cfg       config.RaftConfig
	state     *ReplicaState
	wal       Log
	context   ConsensusContext
	queue     ReplicationQueue
	proxies   PeerProxyFactory
	peers     *PeerManager
	pool      *worker.Pool
	now       func() time.Time
	metrics   metrics.Collector
	labels    map[string]string
	log       *slog.Logger
	markDirty func(reason StateChangeReason)

	fd     *failureDetector
	update *updateGate

	rejectMode atomic.Int32
	shutdown   atomic.Bool

	failedElections atomic.Int64
	// Deadlines in unix nanos.
	withholdVotesUntil         atomic.Int64
	withholdElectionStartUntil atomic.Int64
	disablePreElectionsUntil   atomic.Int64

	// Guarded by the state lock.
	protegeUUID             types.NodeID
	gracefulTransfer        bool
	electionLostByProtegeAt time.Time
}

func NewRaftConsensus(opts Options) (*RaftConsensus, error) {
	switch {
	case opts.Metadata == nil:
		return nil, fmt.Errorf("%w: consensus metadata is required", rafterrors.ErrInvalidArgument)
	case opts.Log == nil:
		return nil, fmt.Errorf("%w: log is required", rafterrors.ErrInvalidArgument)
	case opts.Context == nil:
		return nil, fmt.Errorf("%w: consensus context is required", rafterrors.ErrInvalidArgument)
	case opts.Queue == nil:
		return nil, fmt.Errorf("%w: replication queue is required", rafterrors.ErrInvalidArgument)
	case opts.Proxies == nil:
		return nil, fmt.Errorf("%w: peer proxy factory is required", rafterrors.ErrInvalidArgument)
	case opts.Pool == nil:
		return nil, fmt.Errorf("%w: worker pool is required", rafterrors.ErrInvalidArgument)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewHybridWithSource(opts.Now)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TabletID == "" {
		opts.TabletID = opts.Metadata.TabletID()
	}

	peerUUID := opts.Metadata.PeerUUID()
	c := &RaftConsensus{
		tabletID:  opts.TabletID,
		peerUUID:  peerUUID,
		cfg:       opts.Raft,
		wal:       opts.Log,
		context:   opts.Context,
		queue:     opts.Queue,
		proxies:   opts.Proxies,
		pool:      opts.Pool,
		now:       opts.Now,
		metrics:   opts.Metrics,
		labels:    map[string]string{"tablet": string(opts.TabletID)},
		log:       opts.Logger.With("tablet", opts.TabletID, "peer", peerUUID),
		markDirty: opts.MarkDirty,
		update:    newUpdateGate(),
	}
	c.state = NewReplicaState(ReplicaStateOptions{
		TabletID:       opts.TabletID,
		HTLeaseEnabled: opts.Raft.HTLeaseDuration > 0,
		Clock:          opts.Clock,
		Now:            opts.Now,
		Logger:         opts.Logger,
	}, opts.Metadata, opts.Context, logWaiter{log: opts.Log})
	c.peers = NewPeerManager(PeerManagerOptions{
		TabletID:          opts.TabletID,
		LocalUUID:         peerUUID,
		Proxies:           opts.Proxies,
		Queue:             opts.Queue,
		Pool:              opts.Pool,
		HeartbeatInterval: opts.Raft.HeartbeatInterval,
		RPCTimeout:        opts.Raft.RPCTimeout,
		Promote:           c.promotePeer,
		Logger:            c.log,
	})
	c.fd = newFailureDetector(opts.Raft.MinimumElectionTimeout(), c.onFailureDetected)
	c.withholdVotesUntil.Store(minNanos)
	c.withholdElectionStartUntil.Store(minNanos)
	c.disablePreElectionsUntil.Store(minNanos)
	return c, nil
}

// logWaiter lets the state wait for the log before applying consensus-only
// entries.
type logWaiter struct {
	log Log
}

func (w logWaiter) WaitForSafeOpIDToApply(min types.OpID) types.OpID {
	op, err := w.log.WaitForSafeOpIDToApply(min, 0)
	if err != nil {
		return types.OpID{}
	}
	return op
}

// Start replays the bootstrap info into the pending window and becomes a
// follower.
func (c *RaftConsensus) Start(info BootstrapInfo) error {
	l, err := c.state.LockForStart()
	if err != nil {
		return err
	}
	l.ClearLeader()
	if err := l.Start(info.LastID); err != nil {
		l.Unlock()
		return err
	}
	for _, msg := range info.OrphanedReplicates {
		if err := c.startReplicaOperation(l, msg); err != nil {
			l.Unlock()
			return fmt.Errorf("start orphaned replicate %s: %w", msg.ID, err)
		}
	}
	if err := l.InitCommittedOpID(info.LastCommitted); err != nil {
		l.Unlock()
		return err
	}
	c.queue.Init(l.LastReceivedOpID())
	l.Unlock()

	l, err = c.state.LockForConfigChange()
	if err != nil {
		return err
	}
	defer l.Unlock()

	c.log.Info("replica starting",
		"term", l.CurrentTerm(),
		"last_received", l.LastReceivedOpID().String(),
		"committed", l.CommittedOpID().String(),
		"orphaned", len(info.OrphanedReplicates))

	initial := defaultFailureWait
	if l.CurrentTerm() == 0 && c.cfg.EnableLeaderFailureDetection && c.cfg.QuickLeaderElectionOnCreate {
		if l.CommittedConfig().CountVoters() == 1 && len(l.CommittedConfig().Peers) == 1 {
			initial = 0
		} else {
			initial = rand.N(c.cfg.HeartbeatInterval)
		}
		c.log.Info("quick leader election on create", "initial_wait", initial)
	}
	c.becomeReplica(l, "", initial, false)
	c.metrics.SetGauge(metrics.CurrentTerm, c.labels, float64(l.CurrentTerm()))
	c.notifyDirty(StateChangeConsensusStarted)
	return nil
}

// EmulateElection makes a single replica leader of the next term without votes.
func (c *RaftConsensus) EmulateElection() error {
	l, err := c.state.LockForConfigChange()
	if err != nil {
		return err
	}
	defer l.Unlock()

	c.log.Info("emulating election")
	if err := c.handleTermAdvance(l, l.CurrentTerm()+1); err != nil {
		return err
	}
	c.setLeaderUUID(l, c.peerUUID)
	return c.becomeLeader(l)
}

// Shutdown closes the peers and the queue and aborts pending rounds.
func (c *RaftConsensus) Shutdown() {
	if c.shutdown.Load() {
		return
	}

	l := c.state.LockForShutdown()
	c.log.Info("raft consensus shutting down", "state", l.String())
	l.Unlock()

	c.peers.Close()
	c.queue.Close()
	if err := c.state.CancelPendingOperations(); err != nil {
		c.log.Warn("cancel pending operations", "error", err)
	}

	l = c.state.LockForShutdown()
	if err := l.Shutdown(); err != nil {
		c.log.Warn("shutdown replica state", "error", err)
	}
	l.Unlock()

	c.disableFailureDetector()
	c.shutdown.Store(true)
	c.log.Info("raft consensus is shut down")
}

func (c *RaftConsensus) SetRejectMode(mode RejectMode) {
	c.rejectMode.Store(int32(mode))
}

func (c *RaftConsensus) PeerUUID() types.NodeID {
	return c.peerUUID
}

func (c *RaftConsensus) TabletID() types.TabletID {
	return c.tabletID
}

// Role does not take the state lock.
func (c *RaftConsensus) Role() Role {
	role, _ := c.state.RoleAndTerm()
	return role
}

// CurrentTerm does not take the state lock.
func (c *RaftConsensus) CurrentTerm() types.Term {
	_, term := c.state.RoleAndTerm()
	return term
}

func (c *RaftConsensus) LeaderUUID() types.NodeID {
	l := c.state.LockForRead()
	defer l.Unlock()
	return l.LeaderUUID()
}

func (c *RaftConsensus) ConsensusState() ConsensusState {
	l := c.state.LockForRead()
	defer l.Unlock()
	return l.ConsensusState()
}

func (c *RaftConsensus) CommittedConfig() RaftConfig {
	l := c.state.LockForRead()
	defer l.Unlock()
	return l.CommittedConfig()
}

// LeaderStatus evaluates leader readiness including leases.
func (c *RaftConsensus) LeaderStatus() LeaderStatus {
	return c.state.LeaderState().Status
}

func (c *RaftConsensus) CheckIsActiveLeaderAndHasLease() error {
	return c.state.CheckIsActiveLeaderAndHasLease()
}

func (c *RaftConsensus) MajorityReplicatedHtLeaseExpiration(minAllowed uint64, deadline time.Time) (uint64, error) {
	return c.state.MajorityReplicatedHtLeaseExpiration(minAllowed, deadline)
}

// Now is the hybrid time of the replica clock.
func (c *RaftConsensus) Now() clock.HybridTime {
	return c.state.Now()
}

// Failure detection.

func (c *RaftConsensus) enableFailureDetector(initial time.Duration) {
	if !c.cfg.EnableLeaderFailureDetection {
		return
	}
	c.fd.Start(initial)
}

func (c *RaftConsensus) disableFailureDetector() {
	if !c.cfg.EnableLeaderFailureDetection {
		return
	}
	c.fd.Stop()
}

// snoozeFailureDetector delays the next expiry; defaultFailureWait means one
// minimum election timeout.
func (c *RaftConsensus) snoozeFailureDetector(delta time.Duration) {
	if !c.cfg.EnableLeaderFailureDetection {
		return
	}
	c.fd.Snooze(delta)
}

func (c *RaftConsensus) onFailureDetected() {
	if err := c.pool.Submit(c.reportFailureDetected); err != nil {
		c.log.Warn("failed to submit failure detected task", "error", err)
	}
}

func (c *RaftConsensus) reportFailureDetected() {
	for {
		until := c.withholdElectionStartUntil.Load()
		if c.now().UnixNano() < until {
			return
		}
		if c.withholdElectionStartUntil.CompareAndSwap(until, minNanos) {
			break
		}
	}

	c.metrics.IncCounter(metrics.FailureDetected, c.labels, 1)
	if err := c.StartElection(LeaderElectionData{Mode: NormalElection}); err != nil {
		c.log.Warn("failed to trigger leader election", "error", err)
	}
}

// leaderElectionBackoff randomizes between the minimum election timeout and
// an exponentially growing bound based on the elections failed in a row.
func (c *RaftConsensus) leaderElectionBackoff() time.Duration {
	minTimeout := c.cfg.MinimumElectionTimeout()
	factor := math.Pow(1.1, float64(c.failedElections.Load()+1))
	maxTimeout := min(time.Duration(float64(minTimeout)*factor), c.cfg.LeaderFailureExpBackoffMaxDelta)
	maxTimeout = max(maxTimeout, minTimeout)
	return minTimeout + time.Duration(float64(maxTimeout-minTimeout)*rand.Float64())
}

func storeMaxNanos(v *atomic.Int64, t int64) {
	for {
		old := v.Load()
		if old >= t || v.CompareAndSwap(old, t) {
			return
		}
	}
}

// Role transitions. All of them run under the state lock.

func (c *RaftConsensus) handleTermAdvance(l *StateLock, term types.Term) error {
	if term <= l.CurrentTerm() {
		return fmt.Errorf("%w: can't advance term to %d, current term is %d",
			rafterrors.ErrIllegalState, term, l.CurrentTerm())
	}
	if l.ActiveRole() == RoleLeader {
		c.log.Info("stepping down as leader of term", "term", l.CurrentTerm(), "new_term", term)
		c.becomeReplica(l, "", defaultFailureWait, false)
	}

	c.log.Info("advancing to term", "term", term)
	if err := l.SetCurrentTerm(term); err != nil {
		return err
	}
	c.metrics.SetGauge(metrics.CurrentTerm, c.labels, float64(term))
	return nil
}

func (c *RaftConsensus) setLeaderUUID(l *StateLock, uuid types.NodeID) {
	c.failedElections.Store(0)
	l.SetLeaderUUID(uuid)
	c.notifyDirty(StateChangeNewLeaderElected)
}

func (c *RaftConsensus) becomeLeader(l *StateLock) error {
	c.log.Info("becoming leader", "term", l.CurrentTerm(), "state", l.String())

	c.disableFailureDetector()
	c.withholdVotesUntil.Store(maxNanos)

	c.queue.RegisterObserver(c)
	c.refreshQueueAndPeers(l)

	round := c.newConsensusOnlyRound(&ReplicateMsg{OpType: OpNoOp}, nil)
	if err := c.appendNewRounds(l, []*ConsensusRound{round}); err != nil {
		return fmt.Errorf("append leader no-op: %w", err)
	}
	c.peers.SignalRequest(TriggerNonEmptyOnly)

	c.metrics.SetGauge(metrics.IsLeader, c.labels, 1)
	return nil
}

func (c *RaftConsensus) becomeReplica(l *StateLock, newLeader types.NodeID, initialFDWait time.Duration, graceful bool) {
	if l.ActiveRole() == RoleLeader {
		c.withholdElectionAfterStepDown(newLeader, graceful)
	}

	c.log.Info("becoming follower/learner", "state", l.String())
	l.ClearLeader()
	c.enableFailureDetector(initialFDWait)
	c.withholdVotesUntil.Store(minNanos)

	if err := c.queue.UnregisterObserver(c); err != nil && !errors.Is(err, rafterrors.ErrNotFound) {
		c.log.Warn("unregister queue observer", "error", err)
	}
	c.queue.SetNonLeaderMode()
	c.peers.Close()
	c.metrics.SetGauge(metrics.IsLeader, c.labels, 0)
}

// withholdElectionAfterStepDown keeps this replica from starting elections
// right after giving up leadership. Stepping down in favor of a protege waits
// longer.
func (c *RaftConsensus) withholdElectionAfterStepDown(protege types.NodeID, graceful bool) {
	c.protegeUUID = protege
	c.gracefulTransfer = graceful
	timeout := c.cfg.MinimumElectionTimeout()
	if protege != "" {
		timeout *= time.Duration(c.cfg.AfterStepdownDelayElectionMultiplier)
	}
	c.withholdElectionStartUntil.Store(c.now().Add(timeout).UnixNano())
	c.electionLostByProtegeAt = time.Time{}
}

// refreshQueueAndPeers points the queue and the peer sessions at the active
// config.
func (c *RaftConsensus) refreshQueueAndPeers(l *StateLock) {
	active := l.ActiveConfig()
	c.peers.ClosePeersNotInConfig(active)
	c.queue.SetLeaderMode(l.CommittedOpID(), l.CurrentTerm(), l.LastAppliedOpID(), active)
	if err := c.peers.UpdateRaftConfig(active); err != nil {
		c.log.Warn("updating peers failed", "error", err)
	}
}

// Replication.

// ReplicateBatch assigns OpIDs to rounds and hands them to the queue.
func (c *RaftConsensus) ReplicateBatch(rounds []*ConsensusRound) error {
	l, err := c.state.LockForReplicate()
	if err != nil {
		return err
	}
	if err := l.CheckActiveLeader(DontNeedLease); err != nil {
		l.Unlock()
		return err
	}
	term := l.CurrentTerm()
	for _, round := range rounds {
		if bound := round.BoundTerm(); bound != 0 && bound != term {
			l.Unlock()
			return fmt.Errorf("%w: operation submitted in term %d cannot be replicated in term %d",
				rafterrors.ErrAborted, bound, term)
		}
	}
	if err := c.appendNewRounds(l, rounds); err != nil {
		l.Unlock()
		return err
	}
	l.Unlock()

	c.peers.SignalRequest(TriggerNonEmptyOnly)
	c.metrics.IncCounter(metrics.ReplicatedOps, c.labels, float64(len(rounds)))
	return nil
}

func (c *RaftConsensus) appendNewRounds(l *StateLock, rounds []*ConsensusRound) error {
	committed := l.CommittedOpID()
	msgs := make([]*ReplicateMsg, 0, len(rounds))
	for _, round := range rounds {
		id := l.NewID()
		msg := round.Msg()
		msg.ID = id
		msg.CommittedOpID = committed
		msg.HybridTime = c.state.Now()

		if err := l.AddPendingOperation(round); err != nil {
			l.CancelPendingOperation(id, false)
			for i := len(msgs) - 1; i >= 0; i-- {
				l.CancelPendingOperation(msgs[i].ID, true)
			}
			return err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := c.queue.AppendOperations(msgs, committed, c.now()); err != nil {
		if errors.Is(err, rafterrors.ErrServiceUnavailable) {
			for i := len(msgs) - 1; i >= 0; i-- {
				l.CancelPendingOperation(msgs[i].ID, true)
			}
			c.log.Warn("could not append replicate request to the queue", "error", err)
		}
		return fmt.Errorf("unable to append operations to consensus queue: %w", err)
	}
	l.UpdateLastReceivedOpID(msgs[len(msgs)-1].ID)
	return nil
}

// startReplicaOperation adds a follower side entry to the pending window.
func (c *RaftConsensus) startReplicaOperation(l *StateLock, msg *ReplicateMsg) error {
	var round *ConsensusRound
	switch msg.OpType {
	case OpNoOp, OpChangeConfig:
		round = c.newConsensusOnlyRound(msg, nil)
	default:
		round = NewRound(msg, nil)
		if err := c.context.PrepareOperation(round); err != nil {
			return err
		}
	}
	return l.AddPendingOperation(round)
}

// newConsensusOnlyRound builds a NO_OP or CHANGE_CONFIG round whose outcome
// is handled by the engine itself.
func (c *RaftConsensus) newConsensusOnlyRound(msg *ReplicateMsg, onComplete func(error)) *ConsensusRound {
	round := NewRound(msg, nil)
	round.finishLocked = func(l *StateLock, err error) {
		c.consensusOnlyRoundFinished(l, round, err, onComplete)
	}
	return round
}

func (c *RaftConsensus) consensusOnlyRoundFinished(l *StateLock, round *ConsensusRound, err error, onComplete func(error)) {
	opType := round.Msg().OpType
	switch {
	case err != nil:
		c.log.Info("consensus round aborted", "op", round.String(), "error", err)
		if opType == OpChangeConfig && l.IsConfigChangePending() {
			if clearErr := l.ClearPendingConfig(); clearErr != nil {
				c.log.Warn("could not abort config change", "op_id", round.OpID().String(), "error", clearErr)
			}
		}
	case opType == OpChangeConfig:
		c.context.ChangeConfigReplicated(l.CommittedConfig())
		if l.ActiveRole() == RoleLeader {
			c.notifyDirty(StateChangeLeaderConfigChangeComplete)
		} else {
			c.notifyDirty(StateChangeFollowerConfigChangeComplete)
		}
	case opType == OpNoOp && round.OpID().Term == l.CurrentTerm():
		if l.ActiveRole() == RoleLeader {
			l.SetLeaderNoOpCommitted(true)
		} else {
			c.notifyDirty(StateChangeFollowerNoOpComplete)
		}
	}

	if onComplete != nil {
		c.dispatch(func() { onComplete(err) })
	}
}

// dispatch runs task on the pool, or on its own goroutine when the pool is
// saturated or closed.
func (c *RaftConsensus) dispatch(task func()) {
	if err := c.pool.Submit(task); err != nil {
		go task()
	}
}

func (c *RaftConsensus) notifyDirty(reason StateChangeReason) {
	if c.markDirty == nil {
		return
	}
	c.dispatch(func() { c.markDirty(reason) })
}
