package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tabletraft/pkg/clock"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

type replicaStateKind int

const (
	stateInitialized replicaStateKind = iota
	stateRunning
	stateShuttingDown
	stateShutDown
)

func (k replicaStateKind) String() string {
	switch k {
	case stateInitialized:
		return "kInitialized"
	case stateRunning:
		return "kRunning"
	case stateShuttingDown:
		return "kShuttingDown"
	case stateShutDown:
		return "kShutDown"
	}
	return fmt.Sprintf("replicaStateKind(%d)", int(k))
}

// updateGate serializes Update and RequestVote processing. It is always taken
// before the state lock; LockForUpdate demands proof of holding it.
type updateGate struct {
	sem chan struct{}
}

func newUpdateGate() *updateGate {
	return &updateGate{sem: make(chan struct{}, 1)}
}

type updateGuard struct {
	gate     *updateGate
	released bool
}

func (g *updateGate) tryLock() (*updateGuard, bool) {
	select {
	case g.sem <- struct{}{}:
		return &updateGuard{gate: g}, true
	default:
		return nil, false
	}
}

func (g *updateGate) lock(ctx context.Context) (*updateGuard, error) {
	select {
	case g.sem <- struct{}{}:
		return &updateGuard{gate: g}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for the update lock: %v", rafterrors.ErrTimedOut, ctx.Err())
	}
}

func (u *updateGuard) unlock() {
	if u == nil || u.released {
		return
	}
	u.released = true
	<-u.gate.sem
}

// StateLock is proof of holding the ReplicaState lock. Every operation that
// reads or mutates guarded state hangs off it.
type StateLock struct {
	s        *ReplicaState
	released bool
}

func (l *StateLock) Unlock() {
	if l == nil || l.released {
		return
	}
	l.released = true
	l.s.mu.Unlock()
}

type ReplicaStateOptions struct {
	TabletID types.TabletID
	// HTLeaseEnabled is false when the hybrid time lease duration is zero.
	HTLeaseEnabled bool
	Clock          clock.Clock
	Now            func() time.Time
	Logger         *slog.Logger
}

// ReplicaState owns term, vote, configuration, the pending window of not yet
// committed operations and the lease bookkeeping of one replica.
type ReplicaState struct {
	tabletID       types.TabletID
	peerUUID       types.NodeID
	cmeta          *Metadata
	context        ConsensusContext
	waiter         SafeOpIDWaiter
	htLeaseEnabled bool
	clock          clock.Clock
	now            func() time.Time
	log            *slog.Logger

	mu    sync.Mutex
	state replicaStateKind

	// pending is ordered by index; pending[0].Index == lastCommitted.Index+1.
	pending               []*ConsensusRound
	nextIndex             types.LogIndex
	lastReceived          types.OpID
	lastReceivedCurLeader types.OpID
	lastCommitted         types.OpID
	lastApplied           types.OpID
	pendingElectionOpID   types.OpID
	leaderNoOpCommitted   bool

	oldLeaderLease          CoarseTimeLease
	oldLeaderHTLease        PhysicalComponentLease
	majorityLeaseExpiration time.Time
	majorityHTLease         atomic.Uint64
	leaseChanged            chan struct{}

	lastCrossTermWarning time.Time
	lastWriteDelayNotice time.Time
}

func NewReplicaState(opts ReplicaStateOptions, cmeta *Metadata, ctx ConsensusContext, waiter SafeOpIDWaiter) *ReplicaState {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewHybrid()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ReplicaState{
		tabletID:       opts.TabletID,
		peerUUID:       cmeta.PeerUUID(),
		cmeta:          cmeta,
		context:        ctx,
		waiter:         waiter,
		htLeaseEnabled: opts.HTLeaseEnabled,
		clock:          opts.Clock,
		now:            opts.Now,
		log:            opts.Logger.With("tablet", opts.TabletID, "peer", cmeta.PeerUUID()),
		state:          stateInitialized,
		leaseChanged:   make(chan struct{}),
	}
}

func (s *ReplicaState) PeerUUID() types.NodeID {
	return s.peerUUID
}

func (s *ReplicaState) TabletID() types.TabletID {
	return s.tabletID
}

// RoleAndTerm reads a cache and does not take the lock.
func (s *ReplicaState) RoleAndTerm() (Role, types.Term) {
	return s.cmeta.RoleAndTerm()
}

func (s *ReplicaState) logger() *slog.Logger {
	role, term := s.cmeta.RoleAndTerm()
	return s.log.With("term", term, "role", role)
}

func (s *ReplicaState) lock() *StateLock {
	s.mu.Lock()
	return &StateLock{s: s}
}

func (s *ReplicaState) LockForStart() (*StateLock, error) {
	l := s.lock()
	if s.state != stateInitialized {
		l.Unlock()
		return nil, fmt.Errorf("%w: replica is not in kInitialized state", rafterrors.ErrIllegalState)
	}
	return l, nil
}

func (s *ReplicaState) LockForRead() *StateLock {
	return s.lock()
}

func (s *ReplicaState) LockForReplicate() (*StateLock, error) {
	l := s.lock()
	if s.state != stateRunning {
		l.Unlock()
		return nil, fmt.Errorf("%w: replica not in running state", rafterrors.ErrIllegalState)
	}
	return l, nil
}

func (s *ReplicaState) LockForMajorityReplicatedIndexUpdate() (*StateLock, error) {
	l := s.lock()
	if s.state != stateRunning {
		l.Unlock()
		return nil, fmt.Errorf("%w: replica not in running state", rafterrors.ErrIllegalState)
	}
	if s.cmeta.ActiveRole() != RoleLeader {
		l.Unlock()
		return nil, fmt.Errorf("%w: replica not LEADER", rafterrors.ErrIllegalState)
	}
	return l, nil
}

func (s *ReplicaState) LockForConfigChange() (*StateLock, error) {
	l := s.lock()
	if s.state != stateRunning {
		l.Unlock()
		return nil, fmt.Errorf("%w: unable to lock replica state for config change, state = %s",
			rafterrors.ErrIllegalState, s.state)
	}
	return l, nil
}

// LockForUpdate requires the update gate to be held already.
func (s *ReplicaState) LockForUpdate(guard *updateGuard) (*StateLock, error) {
	if guard == nil || guard.released {
		fatalf("LockForUpdate called without holding the update gate")
		return nil, fmt.Errorf("%w: update gate not held", rafterrors.ErrIllegalState)
	}
	l := s.lock()
	if s.state != stateRunning {
		l.Unlock()
		return nil, fmt.Errorf("%w: replica not in running state", rafterrors.ErrIllegalState)
	}
	return l, nil
}

func (s *ReplicaState) LockForShutdown() *StateLock {
	l := s.lock()
	if s.state != stateShuttingDown && s.state != stateShutDown {
		s.state = stateShuttingDown
	}
	return l
}

func (s *ReplicaState) CheckIsActiveLeaderAndHasLease() error {
	l := s.lock()
	defer l.Unlock()
	if s.state != stateRunning {
		return fmt.Errorf("%w: replica not in running state", rafterrors.ErrIllegalState)
	}
	return l.CheckActiveLeader(NeedLease)
}

// LeaderState takes the lock and evaluates readiness with leases.
func (s *ReplicaState) LeaderState() LeaderState {
	l := s.lock()
	defer l.Unlock()
	return l.LeaderState(NeedLease)
}

// CancelPendingOperations aborts every pending round during shutdown.
func (s *ReplicaState) CancelPendingOperations() error {
	l := s.lock()
	defer l.Unlock()
	if s.state != stateShuttingDown {
		return fmt.Errorf("%w: can only cancel pending operations in kShuttingDown state", rafterrors.ErrIllegalState)
	}
	if len(s.pending) == 0 {
		return nil
	}

	s.logger().Info("aborting pending operations because of shutdown", "count", len(s.pending))
	abortErr := fmt.Errorf("%w: operation aborted", rafterrors.ErrAborted)
	for _, round := range s.pending {
		l.finishRound(round, abortErr, 0)
	}
	s.pending = nil
	return nil
}

// MajorityReplicatedHtLeaseExpiration waits until the majority replicated hybrid
// time lease reaches minAllowed. A zero deadline waits forever.
func (s *ReplicaState) MajorityReplicatedHtLeaseExpiration(minAllowed uint64, deadline time.Time) (uint64, error) {
	if !s.htLeaseEnabled {
		return clock.MaxPhysicalMicros, nil
	}

	if v := s.majorityHTLease.Load(); v >= minAllowed {
		return v, nil
	}

	var timer <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}

	for {
		s.mu.Lock()
		v := s.majorityHTLease.Load()
		changed := s.leaseChanged
		s.mu.Unlock()
		if v >= minAllowed {
			return v, nil
		}

		select {
		case <-changed:
		case <-timer:
			return 0, fmt.Errorf("%w: waiting for leader lease %d", rafterrors.ErrTimedOut, minAllowed)
		}
	}
}

func (s *ReplicaState) String() string {
	l := s.lock()
	defer l.Unlock()
	return l.String()
}

// Gated operations.

func (l *StateLock) String() string {
	s := l.s
	return fmt.Sprintf("Replica: %s, State: %s, Role: %s, Watermarks: {Received: %s Committed: %s} Leader: %s",
		s.peerUUID, s.state, s.cmeta.ActiveRole(), s.lastReceived, s.lastCommitted, s.lastReceivedCurLeader)
}

// Start moves the replica to running with the last entry found in the log.
func (l *StateLock) Start(lastIDInWAL types.OpID) error {
	s := l.s
	if lastIDInWAL.Term > s.cmeta.CurrentTerm() {
		fatalf("last op in the WAL %s has a term greater than the latest recorded term %d",
			lastIDInWAL, s.cmeta.CurrentTerm())
		return fmt.Errorf("%w: WAL term ahead of metadata", rafterrors.ErrCorruption)
	}
	s.nextIndex = lastIDInWAL.Index + 1
	s.lastReceived = lastIDInWAL
	s.state = stateRunning
	return nil
}

func (l *StateLock) Shutdown() error {
	s := l.s
	if s.state != stateShuttingDown {
		return fmt.Errorf("%w: shutdown from state %s", rafterrors.ErrIllegalState, s.state)
	}
	s.state = stateShutDown
	return nil
}

func (l *StateLock) IsRunning() bool {
	return l.s.state == stateRunning
}

func (l *StateLock) ConsensusState() ConsensusState {
	s := l.s
	st := s.cmeta.State(true)
	st.Committed = s.lastCommitted
	st.Received = s.lastReceived
	return st
}

func (l *StateLock) CommittedConsensusState() ConsensusState {
	s := l.s
	st := s.cmeta.State(false)
	st.Committed = s.lastCommitted
	st.Received = s.lastReceived
	return st
}

func (l *StateLock) ActiveRole() Role {
	return l.s.cmeta.ActiveRole()
}

func (l *StateLock) IsConfigChangePending() bool {
	return l.s.cmeta.HasPendingConfig()
}

func (l *StateLock) CheckNoConfigChangePending() error {
	if l.IsConfigChangePending() {
		return fmt.Errorf("%w: config change currently pending, only one is allowed at a time; committed config: %s, pending config: %s",
			rafterrors.ErrIllegalState, l.s.cmeta.CommittedConfig(), l.s.cmeta.PendingConfig())
	}
	return nil
}

func (l *StateLock) SetPendingConfig(cfg RaftConfig) error {
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("invalid config to set as pending: %w", err)
	}
	if l.s.cmeta.HasPendingConfig() {
		fatalf("attempt to set pending config while another is already pending; existing: %s, new: %s",
			l.s.cmeta.PendingConfig(), cfg)
		return fmt.Errorf("%w: config already pending", rafterrors.ErrIllegalState)
	}
	l.s.cmeta.SetPendingConfig(cfg)
	return nil
}

func (l *StateLock) ClearPendingConfig() error {
	if !l.s.cmeta.HasPendingConfig() {
		l.s.logger().Warn("attempt to clear a non-existent pending config",
			"committed_config", l.s.cmeta.CommittedConfig().String())
		return fmt.Errorf("%w: attempt to clear a non-existent pending config", rafterrors.ErrIllegalState)
	}
	l.s.cmeta.ClearPendingConfig()
	return nil
}

func (l *StateLock) PendingConfig() RaftConfig {
	if !l.s.cmeta.HasPendingConfig() {
		fatalf("no pending config")
	}
	return l.s.cmeta.PendingConfig()
}

// SetCommittedConfig commits the pending config. Both must match modulo OpIDIndex.
func (l *StateLock) SetCommittedConfig(cfg RaftConfig) error {
	s := l.s
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("invalid config to set as committed: %w", err)
	}
	if !s.cmeta.HasPendingConfig() {
		fatalf("committing config %s without a pending config", cfg)
		return fmt.Errorf("%w: no pending config", rafterrors.ErrIllegalState)
	}
	pending := s.cmeta.PendingConfig()
	if !pending.EqualIgnoringIndex(cfg) {
		fatalf("new committed config must equal pending config; pending: %s, committed: %s", pending, cfg)
		return fmt.Errorf("%w: committed config differs from pending", rafterrors.ErrCorruption)
	}

	s.cmeta.SetCommittedConfig(cfg)
	s.cmeta.ClearPendingConfig()
	if err := s.cmeta.Flush(); err != nil {
		fatalf("flush consensus metadata: %v", err)
		return err
	}
	return nil
}

func (l *StateLock) CommittedConfig() RaftConfig {
	return l.s.cmeta.CommittedConfig()
}

func (l *StateLock) ActiveConfig() RaftConfig {
	return l.s.cmeta.ActiveConfig()
}

// IsOpCommittedOrPending reports whether op is committed or pending with the
// same term. termMismatch is set when an entry with op's index has another term.
func (l *StateLock) IsOpCommittedOrPending(op types.OpID) (ok bool, termMismatch bool) {
	s := l.s
	if op.Index <= s.lastCommitted.Index {
		return true, false
	}
	if op.Index > s.lastReceived.Index {
		return false, false
	}

	round := l.PendingOpByIndex(op.Index)
	if round == nil {
		s.logger().Error("consensus round not found",
			"op_id", op.String(),
			"committed_index", s.lastCommitted.Index,
			"last_received_index", s.lastReceived.Index,
			"state", l.String())
		l.dumpPendingOperations()
		fatalf("consensus round not found for op id %s", op)
		return false, false
	}

	if round.OpID().Term != op.Term {
		return false, true
	}
	return true, false
}

func (l *StateLock) SetCurrentTerm(term types.Term) error {
	s := l.s
	if term <= s.cmeta.CurrentTerm() {
		return fmt.Errorf("%w: cannot change term to a term that is lower than or equal to the current one; current: %d, proposed: %d",
			rafterrors.ErrIllegalState, s.cmeta.CurrentTerm(), term)
	}
	prevTerm, prevVote := s.cmeta.CurrentTerm(), s.cmeta.VotedFor()
	s.cmeta.SetCurrentTerm(term)
	s.cmeta.ClearVotedFor()
	if err := s.cmeta.Flush(); err != nil {
		s.cmeta.SetCurrentTerm(prevTerm)
		s.cmeta.SetVotedFor(prevVote)
		return err
	}
	l.ClearLeader()
	s.lastReceivedCurLeader = types.OpID{}
	return nil
}

func (l *StateLock) CurrentTerm() types.Term {
	return l.s.cmeta.CurrentTerm()
}

func (l *StateLock) SetLeaderUUID(uuid types.NodeID) {
	l.s.cmeta.SetLeaderUUID(uuid)
}

func (l *StateLock) ClearLeader() {
	l.SetLeaderUUID("")
}

func (l *StateLock) LeaderUUID() types.NodeID {
	return l.s.cmeta.LeaderUUID()
}

func (l *StateLock) HasLeader() bool {
	return l.s.cmeta.LeaderUUID() != ""
}

func (l *StateLock) HasVotedCurrentTerm() bool {
	return l.s.cmeta.HasVotedFor()
}

func (l *StateLock) SetVotedForCurrentTerm(uuid types.NodeID) error {
	l.s.cmeta.SetVotedFor(uuid)
	if err := l.s.cmeta.Flush(); err != nil {
		fatalf("flush consensus metadata: %v", err)
		return err
	}
	return nil
}

func (l *StateLock) VotedForCurrentTerm() types.NodeID {
	return l.s.cmeta.VotedFor()
}

func (l *StateLock) dumpPendingOperations() {
	log := l.s.logger()
	log.Info("dumping pending operations", "count", len(l.s.pending))
	for _, round := range l.s.pending {
		log.Info("pending operation", "op", round.String())
	}
}

func (l *StateLock) findPending(index types.LogIndex) int {
	p := l.s.pending
	if len(p) == 0 {
		return -1
	}
	offset := index - p[0].OpID().Index
	if offset < 0 || offset >= types.LogIndex(len(p)) {
		return -1
	}
	return int(offset)
}

// AbortOpsAfter aborts every pending round past index. index must be pending
// or equal to the committed index.
func (l *StateLock) AbortOpsAfter(index types.LogIndex) error {
	s := l.s
	s.logger().Info("aborting all operations after (but not including)", "index", index, "state", l.String())

	var newPreceding types.OpID
	from := l.findPending(index)
	if from >= 0 {
		newPreceding = s.pending[from].OpID()
		from++
	} else {
		if index != s.lastCommitted.Index {
			fatalf("abort point %d is neither pending nor committed (%s)", index, s.lastCommitted)
			return fmt.Errorf("%w: abort point %d not found", rafterrors.ErrCorruption, index)
		}
		newPreceding = s.lastCommitted
		from = len(s.pending)
		if len(s.pending) > 0 && s.pending[0].OpID().Index > index {
			from = 0
		}
	}

	// Monotonicity is deliberately broken here.
	s.lastReceived = newPreceding
	s.lastReceivedCurLeader = newPreceding
	s.nextIndex = newPreceding.Index + 1

	abortErr := fmt.Errorf("%w: operation aborted by new leader", rafterrors.ErrAborted)
	for _, round := range s.pending[from:] {
		s.logger().Info("aborting uncommitted operation due to leader change",
			"op_id", round.OpID().String(), "committed", s.lastCommitted.String())
		l.finishRound(round, abortErr, 0)
	}
	clear(s.pending[from:])
	s.pending = s.pending[:from]
	l.checkPendingHead()
	return nil
}

// AddPendingOperation appends round to the pending window.
func (l *StateLock) AddPendingOperation(round *ConsensusRound) error {
	s := l.s
	msg := round.Msg()
	opType := msg.OpType

	if s.state != stateRunning && opType != OpNoOp {
		return fmt.Errorf("%w: cannot trigger prepare, replica is not in kRunning state", rafterrors.ErrIllegalState)
	}

	if s.cmeta.ActiveRole() == RoleLeader && opType != OpNoOp && opType != OpChangeConfig {
		if l.HybridTimeLeaseStatusAt(msg.HybridTime.PhysicalMicros()) == OldLeaderMayHaveLease {
			return fmt.Errorf("%w: old leader may have hybrid time lease, while adding %s",
				rafterrors.ErrLeaderHasNoLease, opType)
		}
		if status, _ := l.LeaderLeaseStatus(); status == OldLeaderMayHaveLease {
			return fmt.Errorf("%w: old leader may have lease, while adding %s",
				rafterrors.ErrLeaderHasNoLease, opType)
		}
	}

	if opType == OpChangeConfig {
		if msg.ChangeConfig == nil {
			return fmt.Errorf("%w: change config operation %s without a record", rafterrors.ErrInvalidArgument, msg.ID)
		}
		// The leader marks the config as pending before it gets here.
		if s.cmeta.ActiveRole() != RoleLeader {
			if err := l.CheckNoConfigChangePending(); err != nil {
				err = fmt.Errorf("%w; new config: %s", err, msg.ChangeConfig.NewConfig)
				s.logger().Info("rejecting config change", "error", err)
				return err
			}
			committed := s.cmeta.CommittedConfig()
			if msg.ID.Index > committed.OpIDIndex {
				if err := l.SetPendingConfig(msg.ChangeConfig.NewConfig); err != nil {
					return err
				}
			} else {
				s.logger().Info("ignoring pending config change from replay",
					"op_id", msg.ID.String(),
					"committed_opid_index", committed.OpIDIndex,
					"new_config", msg.ChangeConfig.NewConfig.String())
			}
		}
	}

	if n := len(s.pending); n > 0 && s.pending[n-1].OpID().Index+1 != round.OpID().Index {
		fatalf("adding operation with wrong index: %s, last op id: %s", round, s.pending[n-1].OpID())
		return fmt.Errorf("%w: operation %s out of sequence", rafterrors.ErrCorruption, round.OpID())
	}
	s.pending = append(s.pending, round)
	l.checkPendingHead()
	return nil
}

// finishRound runs the locked hook of consensus-only rounds before the
// round's callback.
func (l *StateLock) finishRound(round *ConsensusRound, err error, leaderTerm types.Term) {
	if round.finishLocked != nil {
		round.finishLocked(l, err)
	}
	round.NotifyReplicationFinished(err, leaderTerm)
}

func (l *StateLock) PendingOpByIndex(index types.LogIndex) *ConsensusRound {
	i := l.findPending(index)
	if i < 0 {
		return nil
	}
	return l.s.pending[i]
}

func (l *StateLock) PendingCount() int {
	return len(l.s.pending)
}

// UpdateMajorityReplicated advances the commit index from the queue watermark.
// Entries of older terms commit only once an entry of the current term is majority replicated.
func (l *StateLock) UpdateMajorityReplicated(majority types.OpID) (committed types.OpID, changed bool, lastApplied types.OpID, err error) {
	s := l.s
	if s.state == stateShuttingDown || s.state == stateShutDown {
		return s.lastCommitted, false, s.lastApplied,
			fmt.Errorf("%w: cannot trigger apply, replica is shutting down", rafterrors.ErrServiceUnavailable)
	}
	if s.state != stateRunning {
		return s.lastCommitted, false, s.lastApplied,
			fmt.Errorf("%w: cannot trigger apply, replica is not in kRunning state", rafterrors.ErrIllegalState)
	}

	term := s.cmeta.CurrentTerm()
	if s.lastCommitted.Term == term {
		changed, err = l.AdvanceCommittedOpID(majority, false)
		return s.lastCommitted, changed, s.lastApplied, err
	}

	if majority.Term == term {
		previous := s.lastCommitted
		changed, err = l.AdvanceCommittedOpID(majority, false)
		s.logger().Info("advanced the committed op id across terms",
			"previous", previous.String(), "committed", s.lastCommitted.String())
		return s.lastCommitted, changed, s.lastApplied, err
	}

	now := s.now()
	if now.Sub(s.lastCrossTermWarning) >= time.Second {
		s.lastCrossTermWarning = now
		s.logger().Warn("can't advance the committed index across term boundaries until operations from the current term are replicated",
			"last_committed", s.lastCommitted.String(),
			"majority_replicated", majority.String(),
			"current_term", term)
	}
	return s.lastCommitted, false, s.lastApplied, nil
}

func (l *StateLock) setLastCommitted(op types.OpID) {
	s := l.s
	if s.lastReceived.Index < op.Index {
		fatalf("committed index %s is past last received %s", op, s.lastReceived)
	}
	s.lastCommitted = op
	l.checkPendingHead()
}

// InitCommittedOpID sets the committed id found at bootstrap, applying any
// pending operations it covers.
func (l *StateLock) InitCommittedOpID(op types.OpID) error {
	s := l.s
	if !s.lastCommitted.Empty() {
		return fmt.Errorf("%w: committed index already initialized to %s, tried to set %s",
			rafterrors.ErrIllegalState, s.lastCommitted, op)
	}
	if len(s.pending) > 0 && op.Index >= s.pending[0].OpID().Index {
		if err := l.applyPendingOperations(op, false); err != nil {
			return err
		}
	}
	l.setLastCommitted(op)
	s.lastApplied = op
	return nil
}

func (l *StateLock) checkPendingHead() {
	s := l.s
	if len(s.pending) == 0 || s.lastCommitted.Empty() || s.pending[0].OpID().Index == s.lastCommitted.Index+1 {
		return
	}
	fatalf("the first pending operation's index %s must immediately follow the last committed %s",
		s.pending[0].OpID(), s.lastCommitted)
}

// AdvanceCommittedOpID applies pending operations through target and reports
// whether the commit index moved. couldStop allows stopping early when the
// state machine asks to delay writes.
func (l *StateLock) AdvanceCommittedOpID(target types.OpID, couldStop bool) (bool, error) {
	s := l.s
	if s.lastCommitted.Index >= target.Index {
		return false, nil
	}
	if len(s.pending) == 0 {
		return false, fmt.Errorf("%w: no pending entries, requested to advance last committed op id from %s to %s, last received: %s",
			rafterrors.ErrNotFound, s.lastCommitted, target, s.lastReceived)
	}
	l.checkPendingHead()

	old := s.lastCommitted.Index
	if err := l.applyPendingOperations(target, couldStop); err != nil {
		return s.lastCommitted.Index != old, err
	}
	return s.lastCommitted.Index != old, nil
}

// CheckOpInSequence verifies that current directly follows previous.
func CheckOpInSequence(previous, current types.OpID) error {
	if current.Term < previous.Term {
		return fmt.Errorf("%w: new operation's term is not >= than the previous op's term; current: %s, previous: %s",
			rafterrors.ErrCorruption, current, previous)
	}
	if current.Index != previous.Index+1 {
		return fmt.Errorf("%w: new operation's index does not follow the previous op's index; current: %s, previous: %s",
			rafterrors.ErrCorruption, current, previous)
	}
	return nil
}

func (l *StateLock) applyPendingOperations(target types.OpID, couldStop bool) error {
	s := l.s
	prev := s.lastCommitted
	var maxAllowed types.OpID
	if s.waiter == nil {
		maxAllowed = types.MaxOpID
	}
	leaderTerm := l.LeaderState(NeedLease).Term

	var applyErr error
	for len(s.pending) > 0 {
		round := s.pending[0]
		current := round.OpID()

		if !prev.Empty() {
			if err := CheckOpInSequence(prev, current); err != nil {
				fatalf("%v", err)
				return err
			}
		}
		if current.Index > target.Index {
			break
		}

		opType := round.Msg().OpType
		if opType == OpWrite {
			if couldStop && s.context != nil && !s.context.ShouldApplyWrite() {
				now := s.now()
				if now.Sub(s.lastWriteDelayNotice) >= 5*time.Second {
					s.lastWriteDelayNotice = now
					s.logger().Warn("stop applying pending operations because of required write delay",
						"last_applied", prev.String(), "target", target.String())
				}
				break
			}
		} else if current.Index > maxAllowed.Index || current.Term > maxAllowed.Term {
			maxAllowed = s.waiter.WaitForSafeOpIDToApply(current)
			if maxAllowed.Index < current.Index || maxAllowed.Term < current.Term {
				applyErr = fmt.Errorf("%w: bad max allowed op id %s, term/index must be no less than that of current op id %s",
					rafterrors.ErrIllegalState, maxAllowed, current)
				break
			}
		}

		s.pending[0] = nil
		s.pending = s.pending[1:]
		if opType == OpChangeConfig {
			l.applyConfigChange(round)
		}

		prev = current
		l.finishRound(round, nil, leaderTerm)
		s.lastApplied = current
	}

	l.setLastCommitted(prev)
	return applyErr
}

func (l *StateLock) applyConfigChange(round *ConsensusRound) {
	s := l.s
	rec := round.Msg().ChangeConfig
	if rec == nil {
		fatalf("change config operation %s without a record", round.OpID())
		return
	}
	newConfig := rec.NewConfig.Clone()
	newConfig.OpIDIndex = round.OpID().Index

	committed := s.cmeta.CommittedConfig()
	if newConfig.OpIDIndex > committed.OpIDIndex {
		s.logger().Info("committing config change",
			"op_id", round.OpID().String(),
			"old_config", rec.OldConfig.String(),
			"new_config", newConfig.String())
		if !s.cmeta.HasPendingConfig() {
			s.cmeta.SetPendingConfig(rec.NewConfig)
		}
		if err := l.SetCommittedConfig(newConfig); err != nil {
			fatalf("commit config change %s: %v", round.OpID(), err)
		}
		return
	}
	s.logger().Info("ignoring commit of config change",
		"op_id", round.OpID().String(),
		"committed_opid_index", committed.OpIDIndex,
		"new_config", newConfig.String())
}

func (l *StateLock) CommittedOpID() types.OpID {
	return l.s.lastCommitted
}

func (l *StateLock) LastAppliedOpID() types.OpID {
	return l.s.lastApplied
}

func (l *StateLock) AreCommittedAndCurrentTermsSame() bool {
	term := l.s.cmeta.CurrentTerm()
	if l.s.lastCommitted.Term != term {
		l.s.logger().Info("committed term differs from current term",
			"committed_term", l.s.lastCommitted.Term, "current_term", term)
		return false
	}
	return true
}

// UpdateLastReceivedOpID advances the received watermark monotonically.
func (l *StateLock) UpdateLastReceivedOpID(op types.OpID) {
	s := l.s
	if op.Term < s.lastReceived.Term || op.Index < s.lastReceived.Index {
		fatalf("last received op id moving backwards: previously %s, updated %s", s.lastReceived, op)
		return
	}
	s.lastReceived = op
	s.lastReceivedCurLeader = op
	s.nextIndex = op.Index + 1
}

func (l *StateLock) LastReceivedOpID() types.OpID {
	return l.s.lastReceived
}

func (l *StateLock) LastReceivedOpIDCurLeader() types.OpID {
	return l.s.lastReceivedCurLeader
}

func (l *StateLock) LastPendingOperationOpID() types.OpID {
	p := l.s.pending
	if len(p) == 0 {
		return types.OpID{}
	}
	return p[len(p)-1].OpID()
}

// NewID allocates the next leader OpID.
func (l *StateLock) NewID() types.OpID {
	s := l.s
	id := types.NewOpID(s.cmeta.CurrentTerm(), s.nextIndex)
	s.nextIndex++
	return id
}

// CancelPendingOperation undoes a NewID allocation made under the same lock.
func (l *StateLock) CancelPendingOperation(id types.OpID, shouldExist bool) {
	s := l.s
	if s.cmeta.CurrentTerm() != id.Term || s.nextIndex != id.Index+1 {
		fatalf("cancel of %s does not match current term %d and next index %d", id, s.cmeta.CurrentTerm(), s.nextIndex)
		return
	}
	s.nextIndex = id.Index
	s.lastReceived = types.NewOpID(id.Term, id.Index-1)
	if shouldExist {
		n := len(s.pending)
		if n == 0 || s.pending[n-1].OpID() != id {
			fatalf("cancelled operation %s is not the last pending one", id)
			return
		}
		s.pending[n-1] = nil
		s.pending = s.pending[:n-1]
	}
}

func (l *StateLock) PendingElectionOpID() types.OpID {
	return l.s.pendingElectionOpID
}

func (l *StateLock) SetPendingElectionOpID(op types.OpID) {
	l.s.pendingElectionOpID = op
}

func (l *StateLock) ClearPendingElectionOpID() {
	l.s.pendingElectionOpID = types.OpID{}
}

func (l *StateLock) SetLeaderNoOpCommitted(value bool) {
	s := l.s
	s.logger().Info("set leader no-op committed",
		"value", value,
		"committed", s.lastCommitted.String(),
		"received", s.lastReceived.String())
	s.leaderNoOpCommitted = value
}

func (l *StateLock) LeaderNoOpCommitted() bool {
	return l.s.leaderNoOpCommitted
}

// Leases.

// UpdateOldLeaderLeaseExpirationOnNonLeader records the lease of the leader we
// follow and drops our own majority replicated leases.
func (l *StateLock) UpdateOldLeaderLeaseExpirationOnNonLeader(lease CoarseTimeLease, htLease PhysicalComponentLease) {
	s := l.s
	s.oldLeaderLease.TryUpdate(lease)
	s.oldLeaderHTLease.TryUpdate(htLease)

	if !s.majorityLeaseExpiration.IsZero() {
		s.logger().Info("reset our lease", "since_expiration", s.now().Sub(s.majorityLeaseExpiration).String())
		s.majorityLeaseExpiration = time.Time{}
	}
	if existing := s.majorityHTLease.Load(); existing != 0 {
		s.logger().Info("reset our ht lease", "expiration", existing)
		s.majorityHTLease.Store(0)
	}
}

func (l *StateLock) OldLeaderLease() CoarseTimeLease {
	return l.s.oldLeaderLease
}

func (l *StateLock) OldLeaderHTLease() PhysicalComponentLease {
	return l.s.oldLeaderHTLease
}

func (l *StateLock) MajorityReplicatedLeaseExpiration() time.Time {
	return l.s.majorityLeaseExpiration
}

// RemainingOldLeaderLeaseDuration is zero once the old leader lease expired.
func (l *StateLock) RemainingOldLeaderLeaseDuration() time.Duration {
	s := l.s
	if !s.oldLeaderLease.Active() {
		return 0
	}
	now := s.now()
	if now.After(s.oldLeaderLease.Expiration) {
		s.oldLeaderLease.Reset()
		return 0
	}
	return s.oldLeaderLease.Expiration.Sub(now)
}

type leasePolicy interface {
	enabled() bool
	oldLeaderLeaseExpired() bool
	majorityReplicatedLeaseExpired() bool
}

func (l *StateLock) leaseStatus(p leasePolicy) LeaderLeaseStatus {
	if !p.enabled() {
		return HasLease
	}
	if len(l.s.cmeta.ActiveConfig().Peers) == 1 {
		return HasLease
	}
	if !p.oldLeaderLeaseExpired() {
		return OldLeaderMayHaveLease
	}
	if p.majorityReplicatedLeaseExpired() {
		return NoMajorityReplicatedLease
	}
	return HasLease
}

type leaderLeasePolicy struct {
	l         *StateLock
	remaining time.Duration
}

func (p *leaderLeasePolicy) enabled() bool { return true }

func (p *leaderLeasePolicy) oldLeaderLeaseExpired() bool {
	p.remaining = p.l.RemainingOldLeaderLeaseDuration()
	return p.remaining == 0
}

func (p *leaderLeasePolicy) majorityReplicatedLeaseExpired() bool {
	exp := p.l.s.majorityLeaseExpiration
	if exp.IsZero() {
		return true
	}
	return !p.l.s.now().Before(exp)
}

type htLeasePolicy struct {
	l      *StateLock
	micros uint64
}

func (p *htLeasePolicy) enabled() bool { return p.l.s.htLeaseEnabled }

func (p *htLeasePolicy) oldLeaderLeaseExpired() bool {
	return p.micros > p.l.s.oldLeaderHTLease.Expiration
}

func (p *htLeasePolicy) majorityReplicatedLeaseExpired() bool {
	return p.micros >= p.l.s.majorityHTLease.Load()
}

// LeaderLeaseStatus evaluates the wall-clock lease track.
func (l *StateLock) LeaderLeaseStatus() (LeaderLeaseStatus, time.Duration) {
	p := &leaderLeasePolicy{l: l}
	status := l.leaseStatus(p)
	return status, p.remaining
}

// HybridTimeLeaseStatusAt evaluates the hybrid time lease track at micros.
func (l *StateLock) HybridTimeLeaseStatusAt(micros uint64) LeaderLeaseStatus {
	return l.leaseStatus(&htLeasePolicy{l: l, micros: micros})
}

// SetMajorityReplicatedLeaseExpiration stores the leases a majority granted us
// and optionally revokes the old leader leases.
func (l *StateLock) SetMajorityReplicatedLeaseExpiration(data MajorityReplicatedData, resetOldLease, resetOldHTLease bool) {
	s := l.s
	s.majorityLeaseExpiration = data.LeaderLeaseExpiration
	s.majorityHTLease.Store(data.HTLeaseExpiration)

	if resetOldLease {
		s.logger().Info("revoked old leader lease",
			"holder", s.oldLeaderLease.HolderUUID,
			"remaining", s.oldLeaderLease.Expiration.Sub(s.now()).String())
		s.oldLeaderLease.Reset()
	}
	if resetOldHTLease {
		s.logger().Info("revoked old leader ht lease",
			"holder", s.oldLeaderHTLease.HolderUUID,
			"expiration", s.oldLeaderHTLease.Expiration)
		s.oldLeaderHTLease.Reset()
	}

	close(s.leaseChanged)
	s.leaseChanged = make(chan struct{})
}

// LeaderState evaluates readiness to serve as leader. With NeedLease both the
// wall clock and the hybrid time lease tracks must hold.
func (l *StateLock) LeaderState(mode LeaseCheckMode) LeaderState {
	s := l.s
	if s.cmeta.ActiveRole() != RoleLeader {
		return LeaderState{Status: NotLeader}
	}
	if !s.leaderNoOpCommitted {
		return LeaderState{Status: LeaderButNoOpNotCommitted}
	}

	status := HasLease
	var remaining time.Duration
	if mode == NeedLease {
		status, remaining = l.LeaderLeaseStatus()
		if status == HasLease && s.htLeaseEnabled {
			micros := s.clock.Now().PhysicalMicros()
			status = l.HybridTimeLeaseStatusAt(micros)
			if status == OldLeaderMayHaveLease {
				remaining = time.Duration(s.oldLeaderHTLease.Expiration-micros) * time.Microsecond
			}
		}
	}
	switch status {
	case OldLeaderMayHaveLease:
		return LeaderState{Status: LeaderButOldLeaderMayHaveLease, RemainingOldLeaderLease: remaining}
	case NoMajorityReplicatedLease:
		return LeaderState{Status: LeaderButNoMajorityReplicatedLease}
	case HasLease:
		return LeaderState{Status: LeaderAndReady, Term: s.cmeta.CurrentTerm()}
	}
	fatalf("invalid leader lease status %d", status)
	return LeaderState{Status: NotLeader}
}

func (l *StateLock) CheckActiveLeader(mode LeaseCheckMode) error {
	st := l.LeaderState(mode)
	if st.Status == NotLeader {
		return rafterrors.WithCode(rafterrors.CodeNotTheLeader,
			fmt.Errorf("%w: replica %s is not leader of this config, role: %s, leader: %s",
				rafterrors.ErrNotLeader, l.s.peerUUID, l.ActiveRole(), l.LeaderUUID()))
	}
	return st.Err()
}

// Now returns the hybrid clock reading used for leases and no-ops.
func (s *ReplicaState) Now() clock.HybridTime {
	return s.clock.Now()
}
