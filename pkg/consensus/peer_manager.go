package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
	"tabletraft/pkg/worker"
)

type PeerManagerOptions struct {
	TabletID          types.TabletID
	LocalUUID         types.NodeID
	Proxies           PeerProxyFactory
	Queue             ReplicationQueue
	Pool              *worker.Pool
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration
	Promote           PromoteFunc
	Logger            *slog.Logger
}

// PeerManager owns one PeerSession per remote member while leading.
type PeerManager struct {
	opts PeerManagerOptions
	log  *slog.Logger

	mu    sync.Mutex
	peers map[types.NodeID]*PeerSession
}

func NewPeerManager(opts PeerManagerOptions) *PeerManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PeerManager{
		opts:  opts,
		log:   opts.Logger,
		peers: make(map[types.NodeID]*PeerSession),
	}
}

// UpdateRaftConfig creates sessions for new remote members and closes the
// sessions of members that left.
func (m *PeerManager) UpdateRaftConfig(cfg RaftConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for uuid, session := range m.peers {
		if !cfg.IsMember(uuid) {
			m.log.Info("closing peer no longer in config", "remote_peer", uuid)
			session.Close()
			delete(m.peers, uuid)
		}
	}

	for _, peer := range cfg.Peers {
		if peer.UUID == m.opts.LocalUUID {
			continue
		}
		if _, ok := m.peers[peer.UUID]; ok {
			continue
		}

		proxy, err := m.opts.Proxies.NewProxy(peer)
		if err != nil {
			errs = append(errs, fmt.Errorf("create proxy for %s: %w", peer.UUID, err))
			continue
		}
		m.log.Info("adding remote peer", "remote_peer", peer.UUID, "address", peer.Address)
		session := NewPeerSession(PeerSessionOptions{
			Peer:              peer,
			TabletID:          m.opts.TabletID,
			LeaderUUID:        m.opts.LocalUUID,
			Proxy:             proxy,
			Queue:             m.opts.Queue,
			Pool:              m.opts.Pool,
			HeartbeatInterval: m.opts.HeartbeatInterval,
			RPCTimeout:        m.opts.RPCTimeout,
			Promote:           m.opts.Promote,
			Logger:            m.log,
		})
		if err := session.Init(); err != nil {
			_ = proxy.Close()
			errs = append(errs, err)
			continue
		}
		m.peers[peer.UUID] = session
	}
	return errors.Join(errs...)
}

// ClosePeersNotInConfig closes sessions of members missing from cfg without
// creating new ones.
func (m *PeerManager) ClosePeersNotInConfig(cfg RaftConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uuid, session := range m.peers {
		if !cfg.IsMember(uuid) {
			m.log.Info("closing peer no longer in config", "remote_peer", uuid)
			session.Close()
			delete(m.peers, uuid)
		}
	}
}

// SignalRequest wakes every session. Sessions found closed are dropped.
func (m *PeerManager) SignalRequest(mode RequestTriggerMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uuid, session := range m.peers {
		err := session.SignalRequest(mode)
		if err == nil {
			continue
		}
		if errors.Is(err, rafterrors.ErrIllegalState) {
			m.log.Info("peer was closed, removing from peers", "remote_peer", uuid)
			delete(m.peers, uuid)
			continue
		}
		m.log.Warn("peer failed to send request", "remote_peer", uuid, "error", err)
	}
}

func (m *PeerManager) Close() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[types.NodeID]*PeerSession)
	m.mu.Unlock()

	for _, session := range peers {
		session.Close()
	}
}

func (m *PeerManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}
