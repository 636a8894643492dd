package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/types"
)

// conn is the part of *zk.Conn the registry uses.
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// Entry is what a replica publishes about itself.
type Entry struct {
	PeerUUID     types.NodeID           `json:"peer_uuid"`
	Address      string                 `json:"address"`
	Role         consensus.Role         `json:"role"`
	CurrentTerm  types.Term             `json:"current_term"`
	LeaderUUID   types.NodeID           `json:"leader_uuid,omitempty"`
	LeaderStatus consensus.LeaderStatus `json:"leader_status"`
	Committed    types.OpID             `json:"committed_op_id"`
	Reason       string                 `json:"reason,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Registry keeps an ephemeral znode per replica under
// <root>/tablets/<tablet>/replicas and rewrites it on every state change.
type Registry struct {
	conn    conn
	root    string
	tablet  types.TabletID
	peer    types.NodeID
	address string
	log     *slog.Logger

	mu         sync.Mutex
	registered bool
}

func Connect(servers []string, sessionTimeout time.Duration, root string, tablet types.TabletID, peer types.NodeID, address string) (*Registry, error) {
	c, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newRegistry(c, root, tablet, peer, address), nil
}

func newRegistry(c conn, root string, tablet types.TabletID, peer types.NodeID, address string) *Registry {
	return &Registry{
		conn:    c,
		root:    strings.TrimSuffix(root, "/"),
		tablet:  tablet,
		peer:    peer,
		address: address,
		log:     slog.Default().With("component", "registry", "tablet", tablet, "peer", peer),
	}
}

func (r *Registry) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registry) replicasPath() string {
	return path.Join(r.root, "tablets", string(r.tablet), "replicas")
}

func (r *Registry) nodePath() string {
	return path.Join(r.replicasPath(), string(r.peer))
}

func (r *Registry) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register creates the ephemeral znode of this replica.
func (r *Registry) Register(timeout time.Duration) error {
	if err := r.waitConnected(timeout); err != nil {
		return err
	}
	if err := r.ensurePath(r.replicasPath()); err != nil {
		return fmt.Errorf("ensure replicas path: %w", err)
	}

	data, err := json.Marshal(Entry{PeerUUID: r.peer, Address: r.address, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	_, err = r.conn.Create(r.nodePath(), data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	r.mu.Lock()
	r.registered = true
	r.mu.Unlock()
	r.log.Info("registered replica", "path", r.nodePath())
	return nil
}

// Publish overwrites the replica znode with the given state.
func (r *Registry) Publish(st consensus.ConsensusState, leader consensus.LeaderStatus, reason consensus.StateChangeReason) error {
	r.mu.Lock()
	registered := r.registered
	r.mu.Unlock()
	if !registered {
		return fmt.Errorf("replica %s is not registered", r.peer)
	}

	data, err := json.Marshal(Entry{
		PeerUUID:     r.peer,
		Address:      r.address,
		Role:         st.Role,
		CurrentTerm:  st.CurrentTerm,
		LeaderUUID:   st.LeaderUUID,
		LeaderStatus: leader,
		Committed:    st.Committed,
		Reason:       string(reason),
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		return err
	}
	if _, err := r.conn.Set(r.nodePath(), data, -1); err != nil {
		return fmt.Errorf("publish consensus state: %w", err)
	}
	return nil
}

// Replicas reads the entries of all registered replicas of the tablet.
func (r *Registry) Replicas() ([]Entry, error) {
	children, _, err := r.conn.Children(r.replicasPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	out := make([]Entry, 0, len(children))
	for _, child := range children {
		data, _, err := r.conn.Get(path.Join(r.replicasPath(), child))
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			r.log.Warn("skipping malformed replica entry", "child", child, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Watch calls onChange with the replica list every time the set of replicas
// changes, until ctx is done.
func (r *Registry) Watch(ctx context.Context, onChange func([]string)) {
	go func() {
		for {
			children, _, ch, err := r.conn.ChildrenW(r.replicasPath())
			if err != nil {
				r.log.Warn("ChildrenW error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			onChange(children)

			select {
			case ev := <-ch:
				r.log.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				r.log.Info("watch stopped")
				return
			}
		}
	}()
}

func (r *Registry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
