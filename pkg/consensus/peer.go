package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
	"tabletraft/pkg/worker"
)

type RequestTriggerMode int

const (
	// TriggerNonEmptyOnly sends only when there are ops or a new commit index.
	TriggerNonEmptyOnly RequestTriggerMode = iota
	// TriggerAlwaysSend sends a heartbeat even when there is nothing new.
	TriggerAlwaysSend
)

func (m RequestTriggerMode) String() string {
	if m == TriggerAlwaysSend {
		return "ALWAYS_SEND"
	}
	return "NON_EMPTY_ONLY"
}

type peerState int

const (
	peerCreated peerState = iota
	peerStarted
	peerRunning
	peerClosed
)

// PromoteFunc asks the leader to promote a PRE_VOTER or PRE_OBSERVER that
// caught up.
type PromoteFunc func(peer RaftPeer)

type PeerSessionOptions struct {
	Peer              RaftPeer
	TabletID          types.TabletID
	LeaderUUID        types.NodeID
	Proxy             PeerProxy
	Queue             ReplicationQueue
	Pool              *worker.Pool
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration
	Promote           PromoteFunc
	Logger            *slog.Logger
}

// PeerSession replicates the leader's log to one remote replica. At most one
// request is outstanding at a time.
type PeerSession struct {
	peer       RaftPeer
	tabletID   types.TabletID
	leaderUUID types.NodeID
	proxy      PeerProxy
	queue      ReplicationQueue
	pool       *worker.Pool
	heartbeat  time.Duration
	rpcTimeout time.Duration
	promote    PromoteFunc
	log        *slog.Logger

	// performing is held from SignalRequest until the response is processed.
	performing sync.Mutex

	mu                  sync.Mutex
	state               peerState
	failedAttempts      uint64
	lastCommittedIndex  types.LogIndex
	stopHeartbeat       chan struct{}
	ctx                 context.Context
	cancel              context.CancelFunc
	heartbeaterFinished sync.WaitGroup

	// lastSent is the unix nano time of the last UpdateConsensus sent.
	lastSent atomic.Int64
}

func NewPeerSession(opts PeerSessionOptions) *PeerSession {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerSession{
		peer:       opts.Peer,
		tabletID:   opts.TabletID,
		leaderUUID: opts.LeaderUUID,
		proxy:      opts.Proxy,
		queue:      opts.Queue,
		pool:       opts.Pool,
		heartbeat:  opts.HeartbeatInterval,
		rpcTimeout: opts.RPCTimeout,
		promote:    opts.Promote,
		log:        opts.Logger.With("remote_peer", opts.Peer.UUID),
		state:      peerCreated,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Init tracks the peer in the queue and starts the heartbeater.
func (p *PeerSession) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != peerCreated {
		return fmt.Errorf("%w: peer session for %s already initialized", rafterrors.ErrIllegalState, p.peer.UUID)
	}
	p.queue.TrackPeer(p.peer.UUID)
	p.state = peerStarted

	p.stopHeartbeat = make(chan struct{})
	p.heartbeaterFinished.Add(1)
	go p.runHeartbeater(p.stopHeartbeat)
	return nil
}

func (p *PeerSession) Peer() RaftPeer {
	return p.peer
}

func (p *PeerSession) FailedAttempts() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failedAttempts
}

// runHeartbeater sends a heartbeat only when no request went out for a whole
// interval.
func (p *PeerSession) runHeartbeater(stop <-chan struct{}) {
	defer p.heartbeaterFinished.Done()
	timer := time.NewTimer(p.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		if idle := p.sinceLastSend(); idle < p.heartbeat {
			timer.Reset(p.heartbeat - idle)
			continue
		}
		if err := p.SignalRequest(TriggerAlwaysSend); err != nil {
			p.log.Debug("heartbeat not sent", "error", err)
		}
		timer.Reset(p.heartbeat)
	}
}

func (p *PeerSession) sinceLastSend() time.Duration {
	last := p.lastSent.Load()
	if last == 0 {
		return p.heartbeat
	}
	return time.Since(time.Unix(0, last))
}

// SignalRequest schedules a request for the peer unless one is in flight.
func (p *PeerSession) SignalRequest(mode RequestTriggerMode) error {
	if !p.performing.TryLock() {
		return nil
	}

	p.mu.Lock()
	if p.state == peerClosed {
		p.mu.Unlock()
		p.performing.Unlock()
		return fmt.Errorf("%w: peer was closed", rafterrors.ErrIllegalState)
	}
	// The first request negotiates the peer position and is sent even if empty.
	if p.state == peerStarted {
		mode = TriggerAlwaysSend
		p.state = peerRunning
	}
	// After an error only heartbeats retry.
	if p.failedAttempts > 0 && mode == TriggerNonEmptyOnly {
		p.mu.Unlock()
		p.performing.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pool.Submit(func() { p.sendNextRequest(mode) }); err != nil {
		p.performing.Unlock()
		return fmt.Errorf("submit request for peer %s: %w", p.peer.UUID, err)
	}
	return nil
}

func (p *PeerSession) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == peerClosed
}

// sendNextRequest runs with performing held and releases it when done.
func (p *PeerSession) sendNextRequest(mode RequestTriggerMode) {
	for {
		more, promote := p.sendOnce(mode)
		if more {
			mode = TriggerAlwaysSend
			continue
		}
		p.performing.Unlock()
		// ChangeConfig is rejected while another one is in progress.
		if promote != nil {
			p.promote(*promote)
		}
		return
	}
}

func (p *PeerSession) sendOnce(mode RequestTriggerMode) (more bool, promote *RaftPeer) {
	if p.closed() {
		return false, nil
	}

	p.mu.Lock()
	commitBefore := p.lastCommittedIndex
	p.mu.Unlock()

	preq, err := p.queue.RequestForPeer(p.peer.UUID)
	if err != nil {
		p.log.Info("could not obtain request from queue for peer", "error", err)
		return false, nil
	}

	if preq.NeedsRemoteBootstrap {
		if err := p.sendRemoteBootstrapRequest(); err != nil {
			p.log.Warn("unable to send remote bootstrap request", "error", err)
		}
		return false, nil
	}

	if preq.LastExchangeOK && preq.MemberType.InTransition() && p.promote != nil {
		peer := p.peer
		peer.MemberType = preq.MemberType
		promote = &peer
	}

	req := preq.Request
	req.TabletID = p.tabletID
	req.CallerUUID = p.leaderUUID
	req.DestUUID = p.peer.UUID

	commitAfter := req.CommittedOpID.Index
	hasNews := len(req.Ops) > 0 || commitAfter > commitBefore
	if !hasNews && mode == TriggerNonEmptyOnly {
		return false, promote
	}

	p.lastSent.Store(time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(p.ctx, p.rpcTimeout)
	resp, err := p.proxy.UpdateConsensus(ctx, req)
	cancel()

	if p.closed() {
		return false, nil
	}
	if err != nil {
		p.processResponseError(err)
		return false, nil
	}

	if resp.Error != nil && resp.Error.Code != rafterrors.CodeTabletNotFound {
		p.processResponseError(resp.Error)
		p.queue.NotifyPeerIsResponsiveDespiteError(p.peer.UUID)
		return false, nil
	}

	more = p.queue.ResponseFromPeer(p.peer.UUID, resp)

	p.mu.Lock()
	p.failedAttempts = 0
	p.lastCommittedIndex = commitAfter
	p.mu.Unlock()
	return more, promote
}

func (p *PeerSession) processResponseError(err error) {
	p.mu.Lock()
	p.failedAttempts++
	attempts := p.failedAttempts
	p.mu.Unlock()

	p.log.Warn("couldn't send request to peer",
		"address", p.peer.Address,
		"failed_attempts", attempts,
		"error", err)
}

func (p *PeerSession) sendRemoteBootstrapRequest() error {
	req, err := p.queue.RemoteBootstrapRequestForPeer(p.peer.UUID)
	if err != nil {
		return err
	}
	p.log.Info("sending request to remotely bootstrap")

	ctx, cancel := context.WithTimeout(p.ctx, p.rpcTimeout)
	defer cancel()
	resp, err := p.proxy.StartRemoteBootstrap(ctx, req)
	if err != nil {
		p.processResponseError(err)
		return nil
	}
	if resp.Error != nil {
		p.log.Warn("unable to start remote bootstrap on peer", "error", resp.Error)
	}
	return nil
}

// Close stops the heartbeater, untracks the peer and drops in-flight results.
func (p *PeerSession) Close() {
	p.mu.Lock()
	if p.state == peerClosed {
		p.mu.Unlock()
		return
	}
	wasStarted := p.state != peerCreated
	p.state = peerClosed
	stop := p.stopHeartbeat
	p.mu.Unlock()

	p.cancel()
	if stop != nil {
		close(stop)
	}
	p.heartbeaterFinished.Wait()

	p.log.Info("closing peer")
	if wasStarted {
		p.queue.UntrackPeer(p.peer.UUID)
	}
	if err := p.proxy.Close(); err != nil {
		p.log.Warn("close peer proxy", "error", err)
	}
}
