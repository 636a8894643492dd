package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tabletraft/pkg/types"
	"tabletraft/pkg/worker"
)

// stubQueue serves a fixed request and records responses.
type stubQueue struct {
	ReplicationQueue

	mu         sync.Mutex
	request    PeerRequest
	tracked    bool
	responses  int
	responsive int
}

func (q *stubQueue) TrackPeer(types.NodeID)   { q.mu.Lock(); q.tracked = true; q.mu.Unlock() }
func (q *stubQueue) UntrackPeer(types.NodeID) { q.mu.Lock(); q.tracked = false; q.mu.Unlock() }

func (q *stubQueue) RequestForPeer(types.NodeID) (*PeerRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req := q.request
	inner := *req.Request
	req.Request = &inner
	return &req, nil
}

func (q *stubQueue) ResponseFromPeer(types.NodeID, *ConsensusResponse) bool {
	q.mu.Lock()
	q.responses++
	q.mu.Unlock()
	return false
}

func (q *stubQueue) NotifyPeerIsResponsiveDespiteError(types.NodeID) {
	q.mu.Lock()
	q.responsive++
	q.mu.Unlock()
}

func (q *stubQueue) counts() (responses, responsive int, tracked bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.responses, q.responsive, q.tracked
}

type stubProxy struct {
	PeerProxy

	mu     sync.Mutex
	calls  []*ConsensusRequest
	err    error
	closed bool
}

func (p *stubProxy) UpdateConsensus(_ context.Context, req *ConsensusRequest) (*ConsensusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return nil, p.err
	}
	return &ConsensusResponse{ResponderUUID: req.DestUUID}, nil
}

func (p *stubProxy) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *stubProxy) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestSession(t *testing.T, q *stubQueue, proxy *stubProxy, promote PromoteFunc) *PeerSession {
	t.Helper()
	pool := worker.NewPool("peer-test", 2, 16)
	t.Cleanup(pool.Close)
	return NewPeerSession(PeerSessionOptions{
		Peer:              RaftPeer{UUID: "b", Address: "b:1", MemberType: MemberVoter},
		TabletID:          "t1",
		LeaderUUID:        "a",
		Proxy:             proxy,
		Queue:             q,
		Pool:              pool,
		HeartbeatInterval: time.Hour,
		RPCTimeout:        time.Second,
		Promote:           promote,
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeerSession_FirstRequestIsAlwaysSent(t *testing.T) {
	q := &stubQueue{request: PeerRequest{Request: &ConsensusRequest{CallerTerm: 1}, LastExchangeOK: true}}
	proxy := &stubProxy{}
	p := newTestSession(t, q, proxy, nil)
	if err := p.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := p.SignalRequest(TriggerNonEmptyOnly); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitUntil(t, "first request", func() bool {
		responses, _, _ := q.counts()
		return responses == 1
	})
	proxy.mu.Lock()
	req := proxy.calls[0]
	proxy.mu.Unlock()
	if req.CallerUUID != "a" || req.DestUUID != "b" || req.TabletID != "t1" {
		t.Fatalf("request was not addressed: %+v", req)
	}

	// Nothing new: a non-empty-only signal sends nothing.
	if err := p.SignalRequest(TriggerNonEmptyOnly); err != nil {
		t.Fatalf("signal: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := proxy.callCount(); n != 1 {
		t.Fatalf("expected one call, got %d", n)
	}

	p.Close()
	if _, _, tracked := q.counts(); tracked {
		t.Fatalf("closed session must untrack the peer")
	}
	if err := p.SignalRequest(TriggerAlwaysSend); err == nil {
		t.Fatalf("closed session must refuse requests")
	}
}

func TestPeerSession_ErrorsOnlyRetryOnHeartbeat(t *testing.T) {
	q := &stubQueue{request: PeerRequest{
		Request: &ConsensusRequest{Ops: []*ReplicateMsg{{ID: types.NewOpID(1, 1)}}},
	}}
	proxy := &stubProxy{err: errors.New("connection refused")}
	p := newTestSession(t, q, proxy, nil)
	if err := p.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Close()

	if err := p.SignalRequest(TriggerNonEmptyOnly); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitUntil(t, "failed attempt", func() bool { return p.FailedAttempts() == 1 })

	if err := p.SignalRequest(TriggerNonEmptyOnly); err != nil {
		t.Fatalf("signal: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := proxy.callCount(); n != 1 {
		t.Fatalf("non-empty signal must not retry after an error, got %d calls", n)
	}

	proxy.mu.Lock()
	proxy.err = nil
	proxy.mu.Unlock()
	if err := p.SignalRequest(TriggerAlwaysSend); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitUntil(t, "recovery", func() bool { return p.FailedAttempts() == 0 })
}

func TestPeerSession_PromotesCaughtUpLearner(t *testing.T) {
	q := &stubQueue{request: PeerRequest{
		Request:        &ConsensusRequest{},
		MemberType:     MemberPreVoter,
		LastExchangeOK: true,
	}}
	proxy := &stubProxy{}
	promoted := make(chan RaftPeer, 1)
	p := newTestSession(t, q, proxy, func(peer RaftPeer) { promoted <- peer })
	if err := p.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Close()

	if err := p.SignalRequest(TriggerAlwaysSend); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case peer := <-promoted:
		if peer.UUID != "b" || peer.MemberType != MemberPreVoter {
			t.Fatalf("unexpected promotion %+v", peer)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("learner was not promoted")
	}
	if proxy.callCount() != 1 {
		t.Fatalf("the request must still be sent")
	}
}

func TestPeerSession_HeartbeatOnlyWhenIdle(t *testing.T) {
	q := &stubQueue{request: PeerRequest{
		Request:        &ConsensusRequest{Ops: []*ReplicateMsg{{ID: types.NewOpID(1, 1)}}},
		LastExchangeOK: true,
	}}
	proxy := &stubProxy{}
	p := newTestSession(t, q, proxy, nil)
	p.heartbeat = 150 * time.Millisecond
	if err := p.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Close()

	// Steady traffic: every request comes from a signal, none from the heartbeater.
	signals := 0
	for end := time.Now().Add(600 * time.Millisecond); time.Now().Before(end); {
		if err := p.SignalRequest(TriggerNonEmptyOnly); err != nil {
			t.Fatalf("signal: %v", err)
		}
		signals++
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	busy := proxy.callCount()
	if busy > signals {
		t.Fatalf("heartbeats were sent during traffic: %d requests for %d signals", busy, signals)
	}

	waitUntil(t, "idle heartbeat", func() bool { return proxy.callCount() > busy })
}
