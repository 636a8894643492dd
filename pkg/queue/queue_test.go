package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"tabletraft/pkg/clock"
	"tabletraft/pkg/config"
	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// memLog is an in-memory consensus.Log that acknowledges appends inline.
type memLog struct {
	mu        sync.Mutex
	entries   []*consensus.ReplicateMsg
	gcBefore  types.LogIndex
	appendErr error
	committed types.OpID
}

func (l *memLog) Append(entries []*consensus.ReplicateMsg, committed types.OpID, done func(error)) error {
	l.mu.Lock()
	if l.appendErr != nil {
		err := l.appendErr
		l.mu.Unlock()
		return err
	}
	if len(entries) > 0 {
		first := entries[0].ID.Index
		kept := l.entries[:0]
		for _, e := range l.entries {
			if e.ID.Index < first {
				kept = append(kept, e)
			}
		}
		l.entries = append(kept, entries...)
	}
	l.committed = committed
	l.mu.Unlock()

	if done != nil {
		done(nil)
	}
	return nil
}

func (l *memLog) LatestEntryOpID() types.OpID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return types.OpID{}
	}
	return l.entries[len(l.entries)-1].ID
}

func (l *memLog) WaitForSafeOpIDToApply(min types.OpID, _ time.Duration) (types.OpID, error) {
	return l.LatestEntryOpID(), nil
}

func (l *memLog) ReadOps(after types.LogIndex, maxBytes int) ([]*consensus.ReplicateMsg, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if after+1 < l.gcBefore {
		return nil, fmt.Errorf("%w: entry %d was garbage collected", rafterrors.ErrNotFound, after+1)
	}
	var (
		out  []*consensus.ReplicateMsg
		size int
	)
	for _, e := range l.entries {
		if e.ID.Index <= after {
			continue
		}
		if len(out) > 0 && size+e.Size() > maxBytes {
			break
		}
		out = append(out, e)
		size += e.Size()
	}
	return out, nil
}

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type failedFollower struct {
	uuid types.NodeID
	term types.Term
}

// chanObserver forwards every notification to a channel.
type chanObserver struct {
	majority chan consensus.MajorityReplicatedData
	terms    chan types.Term
	failed   chan failedFollower
}

func newChanObserver() *chanObserver {
	return &chanObserver{
		majority: make(chan consensus.MajorityReplicatedData, 64),
		terms:    make(chan types.Term, 8),
		failed:   make(chan failedFollower, 8),
	}
}

func (o *chanObserver) UpdateMajorityReplicated(data consensus.MajorityReplicatedData) (types.OpID, types.OpID, error) {
	o.majority <- data
	return data.OpID, data.OpID, nil
}

func (o *chanObserver) NotifyTermChange(term types.Term) { o.terms <- term }

func (o *chanObserver) NotifyFailedFollower(uuid types.NodeID, term types.Term, _ string) {
	o.failed <- failedFollower{uuid: uuid, term: term}
}

// waitMajority returns the first notification carrying want.
func (o *chanObserver) waitMajority(t *testing.T, want types.OpID) consensus.MajorityReplicatedData {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-o.majority:
			if data.OpID == want {
				return data
			}
		case <-deadline:
			t.Fatalf("majority replicated %s was never reported", want)
		}
	}
}

func threeVoters() consensus.RaftConfig {
	return consensus.RaftConfig{
		OpIDIndex: 1,
		Peers: []consensus.RaftPeer{
			{UUID: "a", Address: "a:1", MemberType: consensus.MemberVoter},
			{UUID: "b", Address: "b:1", MemberType: consensus.MemberVoter},
			{UUID: "c", Address: "c:1", MemberType: consensus.MemberVoter},
		},
	}
}

type fixture struct {
	q     *PeerMessageQueue
	log   *memLog
	clock *fakeTime
	obs   *chanObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ft := &fakeTime{now: time.Unix(1_700_000_000, 0)}
	raft := config.DefaultRaft()
	raft.MaxBatchSizeBytes = 1 << 20
	raft.FollowerUnavailableConsideredFailed = time.Minute

	log := &memLog{}
	q := New(Options{
		TabletID:  "t-1",
		LocalPeer: consensus.RaftPeer{UUID: "a", Address: "a:1", MemberType: consensus.MemberVoter},
		Log:       log,
		Raft:      raft,
		Clock:     clock.NewHybridWithSource(ft.Now),
		Now:       ft.Now,
	})
	obs := newChanObserver()
	q.RegisterObserver(obs)
	q.Init(types.OpID{})
	t.Cleanup(q.Close)
	return &fixture{q: q, log: log, clock: ft, obs: obs}
}

func writes(term types.Term, from, to types.LogIndex) []*consensus.ReplicateMsg {
	var out []*consensus.ReplicateMsg
	for i := from; i <= to; i++ {
		out = append(out, &consensus.ReplicateMsg{
			ID:      types.NewOpID(term, i),
			OpType:  consensus.OpWrite,
			Payload: []byte(fmt.Sprintf("v%d", i)),
		})
	}
	return out
}

// leaderWithEntries puts the queue in leader mode over three voters and
// appends 1.1 through 1.3.
func leaderWithEntries(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.q.SetLeaderMode(types.OpID{}, 1, types.OpID{}, threeVoters())
	f.q.TrackPeer("b")
	f.q.TrackPeer("c")
	if err := f.q.AppendOperations(writes(1, 1, 3), types.OpID{}, f.clock.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	return f
}

func ok(id types.OpID, committed types.LogIndex, uuid types.NodeID) *consensus.ConsensusResponse {
	return &consensus.ConsensusResponse{
		ResponderUUID: uuid,
		ResponderTerm: 1,
		Status: consensus.ConsensusStatus{
			LastReceived:              id,
			LastReceivedCurrentLeader: id,
			LastCommittedIdx:          committed,
		},
	}
}

// catchUp negotiates with a new peer and acknowledges everything it is sent.
func catchUp(t *testing.T, f *fixture, uuid types.NodeID) *consensus.PeerRequest {
	t.Helper()
	first, err := f.q.RequestForPeer(uuid)
	if err != nil {
		t.Fatalf("request for %s: %v", uuid, err)
	}
	if len(first.Request.Ops) != 0 {
		t.Fatalf("a new peer must get a status-only request, got %d ops", len(first.Request.Ops))
	}

	mismatch := ok(types.OpID{}, 0, uuid)
	mismatch.Status.Error = &consensus.ConsensusError{Code: consensus.ErrCodePrecedingEntryDidntMatch}
	if !f.q.ResponseFromPeer(uuid, mismatch) {
		t.Fatalf("expected more requests after log matching failure")
	}

	req, err := f.q.RequestForPeer(uuid)
	if err != nil {
		t.Fatalf("request for %s: %v", uuid, err)
	}
	ops := req.Request.Ops
	if len(ops) == 0 {
		t.Fatalf("expected ops for %s", uuid)
	}
	f.q.ResponseFromPeer(uuid, ok(ops[len(ops)-1].ID, 0, uuid))
	return req
}

func TestQueue_SingleVoterCommitsOnLocalAppend(t *testing.T) {
	f := newFixture(t)
	single := consensus.RaftConfig{
		OpIDIndex: 1,
		Peers:     []consensus.RaftPeer{{UUID: "a", Address: "a:1", MemberType: consensus.MemberVoter}},
	}
	f.q.SetLeaderMode(types.OpID{}, 1, types.OpID{}, single)

	if err := f.q.AppendOperations(writes(1, 1, 2), types.OpID{}, f.clock.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}
	data := f.obs.waitMajority(t, types.NewOpID(1, 2))
	if data.HTLeaseExpiration != clock.MaxPhysicalMicros {
		t.Fatalf("a single voter holds the lease forever, got %d", data.HTLeaseExpiration)
	}
	if got := f.q.MajorityReplicatedOpID(); got != types.NewOpID(1, 2) {
		t.Fatalf("unexpected majority replicated %s", got)
	}
}

func TestQueue_MajorityNeedsAFollower(t *testing.T) {
	f := leaderWithEntries(t)

	if got := f.q.MajorityReplicatedOpID(); !got.Empty() {
		t.Fatalf("leader alone is not a majority of three, got %s", got)
	}

	req := catchUp(t, f, "b")
	if req.Request.PrecedingID != (types.OpID{}) || len(req.Request.Ops) != 3 {
		t.Fatalf("unexpected catch up request: preceding=%s ops=%d", req.Request.PrecedingID, len(req.Request.Ops))
	}

	f.obs.waitMajority(t, types.NewOpID(1, 3))
	if got := f.q.MajorityReplicatedOpID(); got != types.NewOpID(1, 3) {
		t.Fatalf("unexpected majority replicated %s", got)
	}
	if last, ok := f.q.PeerLastReceived("b"); !ok || last != types.NewOpID(1, 3) {
		t.Fatalf("unexpected last received for b: %s %t", last, ok)
	}
}

func TestQueue_LeasesFollowMajority(t *testing.T) {
	f := leaderWithEntries(t)
	now := f.clock.Now()

	catchUp(t, f, "b")
	data := f.obs.waitMajority(t, types.NewOpID(1, 3))

	want := now.Add(config.DefaultRaft().LeaderLeaseDuration - coarseClockSlack)
	if !data.LeaderLeaseExpiration.Equal(want) {
		t.Fatalf("expected leader lease %v, got %v", want, data.LeaderLeaseExpiration)
	}
	wantHT := uint64(now.UnixMicro()) + uint64(config.DefaultRaft().HTLeaseDuration.Microseconds())
	if data.HTLeaseExpiration != wantHT {
		t.Fatalf("expected ht lease %d, got %d", wantHT, data.HTLeaseExpiration)
	}
	if !f.q.PeerAcceptedOurLease("b") {
		t.Fatalf("b acknowledged a lease")
	}
	if f.q.PeerAcceptedOurLease("c") {
		t.Fatalf("c never acknowledged a lease")
	}
}

func TestQueue_LogMatchingResumesFromPeerCommittedIndex(t *testing.T) {
	f := leaderWithEntries(t)

	if _, err := f.q.RequestForPeer("c"); err != nil {
		t.Fatalf("request: %v", err)
	}
	resp := ok(types.NewOpID(5, 7), 1, "c")
	resp.Status.LastReceivedCurrentLeader = types.OpID{}
	resp.Status.Error = &consensus.ConsensusError{Code: consensus.ErrCodePrecedingEntryDidntMatch}
	if !f.q.ResponseFromPeer("c", resp) {
		t.Fatalf("expected more requests after log matching failure")
	}

	req, err := f.q.RequestForPeer("c")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Request.PrecedingID != types.NewOpID(1, 1) {
		t.Fatalf("expected preceding 1.1, got %s", req.Request.PrecedingID)
	}
	if len(req.Request.Ops) != 2 || req.Request.Ops[0].ID != types.NewOpID(1, 2) {
		t.Fatalf("expected ops 1.2 and 1.3, got %v", req.Request.Ops)
	}
}

func TestQueue_RetransmissionHalvesBatch(t *testing.T) {
	f := leaderWithEntries(t)

	if _, err := f.q.RequestForPeer("c"); err != nil {
		t.Fatalf("request: %v", err)
	}
	resp := ok(types.OpID{}, 0, "c")
	resp.Status.Error = &consensus.ConsensusError{Code: consensus.ErrCodePrecedingEntryDidntMatch}
	f.q.ResponseFromPeer("c", resp)

	first, err := f.q.RequestForPeer("c")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(first.Request.Ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(first.Request.Ops))
	}

	// No reply: the retransmission carries fewer ops.
	second, err := f.q.RequestForPeer("c")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(second.Request.Ops) != 1 {
		t.Fatalf("expected a single op on retransmission, got %d", len(second.Request.Ops))
	}
}

func TestQueue_CommittedCappedAtLastSentOp(t *testing.T) {
	f := leaderWithEntries(t)
	catchUp(t, f, "b")
	f.obs.waitMajority(t, types.NewOpID(1, 3))

	waitFor(t, func() bool { return f.q.CommittedOpID() == types.NewOpID(1, 3) })

	if _, err := f.q.RequestForPeer("c"); err != nil {
		t.Fatalf("request: %v", err)
	}
	resp := ok(types.OpID{}, 0, "c")
	resp.Status.Error = &consensus.ConsensusError{Code: consensus.ErrCodePrecedingEntryDidntMatch}
	f.q.ResponseFromPeer("c", resp)
	f.q.RequestForPeer("c")
	req, err := f.q.RequestForPeer("c")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := req.Request.CommittedOpID; got != types.NewOpID(1, 1) {
		t.Fatalf("committed must not pass the last op sent, got %s", got)
	}
}

func TestQueue_InvalidTermNotifiesObserver(t *testing.T) {
	f := leaderWithEntries(t)
	f.q.RequestForPeer("b")

	resp := ok(types.OpID{}, 0, "b")
	resp.ResponderTerm = 5
	resp.Status.Error = &consensus.ConsensusError{Code: consensus.ErrCodeInvalidTerm}
	if f.q.ResponseFromPeer("b", resp) {
		t.Fatalf("no more requests after a term rejection")
	}

	select {
	case term := <-f.obs.terms:
		if term != 5 {
			t.Fatalf("expected term 5, got %d", term)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("term change was not reported")
	}
}

func TestQueue_UnreachableFollowerReportedFailed(t *testing.T) {
	f := leaderWithEntries(t)
	f.clock.Advance(2 * time.Minute)

	if _, err := f.q.RequestForPeer("b"); err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case got := <-f.obs.failed:
		if got.uuid != "b" || got.term != 1 {
			t.Fatalf("unexpected failed follower %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("failed follower was not reported")
	}
}

func TestQueue_GarbageCollectedLogReportsFailedFollower(t *testing.T) {
	f := leaderWithEntries(t)
	catchUp(t, f, "b")
	f.obs.waitMajority(t, types.NewOpID(1, 3))

	// Every entry is replicated to b and c once c catches up; evict them
	// from the cache and make the log forget them.
	f.q.cache.EvictThroughOp(3)
	f.log.mu.Lock()
	f.log.gcBefore = 3
	f.log.mu.Unlock()

	f.q.RequestForPeer("c")
	resp := ok(types.OpID{}, 0, "c")
	resp.Status.Error = &consensus.ConsensusError{Code: consensus.ErrCodePrecedingEntryDidntMatch}
	f.q.ResponseFromPeer("c", resp)

	if _, err := f.q.RequestForPeer("c"); err == nil {
		t.Fatalf("expected an error reading collected entries")
	}
	select {
	case got := <-f.obs.failed:
		if got.uuid != "c" {
			t.Fatalf("unexpected failed follower %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("failed follower was not reported")
	}
}

func TestQueue_TabletNotFoundNeedsRemoteBootstrap(t *testing.T) {
	f := leaderWithEntries(t)

	resp := &consensus.ConsensusResponse{
		ResponderUUID: "b",
		Error:         &consensus.ServerError{Code: rafterrors.CodeTabletNotFound, Message: "no tablet"},
	}
	if !f.q.ResponseFromPeer("b", resp) {
		t.Fatalf("expected a follow up request")
	}

	req, err := f.q.RequestForPeer("b")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !req.NeedsRemoteBootstrap {
		t.Fatalf("expected remote bootstrap to be requested")
	}

	rb, err := f.q.RemoteBootstrapRequestForPeer("b")
	if err != nil {
		t.Fatalf("remote bootstrap request: %v", err)
	}
	if rb.BootstrapPeerUUID != "a" || rb.DestUUID != "b" || rb.CallerTerm != 1 {
		t.Fatalf("unexpected remote bootstrap request %+v", rb)
	}
	if _, err := f.q.RemoteBootstrapRequestForPeer("b"); err == nil {
		t.Fatalf("expected an error once the bootstrap was started")
	}
}

func TestQueue_LeadershipCandidates(t *testing.T) {
	f := leaderWithEntries(t)
	catchUp(t, f, "b")
	f.obs.waitMajority(t, types.NewOpID(1, 3))

	if !f.q.CanPeerBecomeLeader("b") {
		t.Fatalf("b is caught up")
	}
	if f.q.CanPeerBecomeLeader("c") {
		t.Fatalf("c has nothing")
	}
	if f.q.CanPeerBecomeLeader("z") {
		t.Fatalf("unknown peers cannot become leader")
	}
	if got := f.q.GetUpToDatePeer(); got != "b" {
		t.Fatalf("expected b as the most up to date peer, got %q", got)
	}
}

func TestQueue_RequestsNeedLeaderMode(t *testing.T) {
	f := newFixture(t)
	f.q.TrackPeer("b")
	if _, err := f.q.RequestForPeer("b"); err == nil {
		t.Fatalf("expected an error outside leader mode")
	}
	f.q.SetLeaderMode(types.OpID{}, 1, types.OpID{}, threeVoters())
	f.q.SetNonLeaderMode()
	if _, err := f.q.RequestForPeer("b"); err == nil {
		t.Fatalf("expected an error after leaving leader mode")
	}
}

func TestQueue_UnregisterObserver(t *testing.T) {
	f := newFixture(t)
	if err := f.q.UnregisterObserver(f.obs); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := f.q.UnregisterObserver(f.obs); err == nil {
		t.Fatalf("expected not found on second unregister")
	}
}

func TestQueue_ClosedQueueIgnoresResponses(t *testing.T) {
	f := leaderWithEntries(t)
	f.q.Close()
	if f.q.ResponseFromPeer("b", ok(types.NewOpID(1, 3), 0, "b")) {
		t.Fatalf("closed queue must not ask for more")
	}
	if _, err := f.q.RequestForPeer("b"); err == nil {
		t.Fatalf("expected an error from a closed queue")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
