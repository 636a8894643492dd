package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/goccy/go-yaml"

	"tabletraft/pkg/types"
)

// MetadataData is the durable part of the consensus metadata.
type MetadataData struct {
	TabletID        types.TabletID `yaml:"tablet_id"`
	PeerUUID        types.NodeID   `yaml:"peer_uuid"`
	CurrentTerm     types.Term     `yaml:"current_term"`
	VotedFor        types.NodeID   `yaml:"voted_for,omitempty"`
	CommittedConfig RaftConfig     `yaml:"committed_config"`
}

type roleAndTerm struct {
	role Role
	term types.Term
}

// Metadata keeps term, vote and configuration of a replica. Term, vote and the
// committed config are flushed to a YAML file; the pending config and the
// leader uuid live in memory. Not safe for concurrent use: ReplicaState guards it.
type Metadata struct {
	path string
	data MetadataData

	pendingConfig    *RaftConfig
	leaderUUID       types.NodeID
	activeRole       Role
	roleAndTermCache atomic.Pointer[roleAndTerm]
	flushes          int
}

// CreateMetadata writes a fresh metadata file. It fails if one already exists.
func CreateMetadata(path string, tabletID types.TabletID, peerUUID types.NodeID, cfg RaftConfig, term types.Term) (*Metadata, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("consensus metadata %s already exists", path)
	}
	m := &Metadata{
		path: path,
		data: MetadataData{
			TabletID:        tabletID,
			PeerUUID:        peerUUID,
			CurrentTerm:     term,
			CommittedConfig: cfg.Clone(),
		},
	}
	if err := m.Flush(); err != nil {
		return nil, err
	}
	m.updateActiveRole()
	return m, nil
}

func LoadMetadata(path string, peerUUID types.NodeID) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read consensus metadata: %w", err)
	}
	m := &Metadata{path: path}
	if err := yaml.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("parse consensus metadata %s: %w", path, err)
	}
	if m.data.PeerUUID != peerUUID {
		return nil, fmt.Errorf("consensus metadata %s belongs to peer %s, not %s", path, m.data.PeerUUID, peerUUID)
	}
	m.updateActiveRole()
	return m, nil
}

// LoadOrCreateMetadata loads path, creating it from cfg when missing.
func LoadOrCreateMetadata(path string, tabletID types.TabletID, peerUUID types.NodeID, cfg RaftConfig) (*Metadata, error) {
	m, err := LoadMetadata(path, peerUUID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return CreateMetadata(path, tabletID, peerUUID, cfg, 0)
}

// NewInMemoryMetadata is metadata whose Flush does not touch disk.
func NewInMemoryMetadata(tabletID types.TabletID, peerUUID types.NodeID, cfg RaftConfig) *Metadata {
	m := &Metadata{
		data: MetadataData{
			TabletID:        tabletID,
			PeerUUID:        peerUUID,
			CommittedConfig: cfg.Clone(),
		},
	}
	m.updateActiveRole()
	return m
}

func (m *Metadata) TabletID() types.TabletID { return m.data.TabletID }
func (m *Metadata) PeerUUID() types.NodeID   { return m.data.PeerUUID }
func (m *Metadata) CurrentTerm() types.Term  { return m.data.CurrentTerm }

func (m *Metadata) SetCurrentTerm(term types.Term) {
	m.data.CurrentTerm = term
	m.updateRoleAndTermCache()
}

func (m *Metadata) HasVotedFor() bool      { return m.data.VotedFor != "" }
func (m *Metadata) VotedFor() types.NodeID { return m.data.VotedFor }
func (m *Metadata) ClearVotedFor()         { m.data.VotedFor = "" }

func (m *Metadata) SetVotedFor(uuid types.NodeID) {
	m.data.VotedFor = uuid
}

func (m *Metadata) CommittedConfig() RaftConfig {
	return m.data.CommittedConfig
}

func (m *Metadata) SetCommittedConfig(cfg RaftConfig) {
	m.data.CommittedConfig = cfg.Clone()
	if m.pendingConfig == nil {
		m.updateActiveRole()
	}
}

func (m *Metadata) HasPendingConfig() bool {
	return m.pendingConfig != nil
}

func (m *Metadata) PendingConfig() RaftConfig {
	if m.pendingConfig == nil {
		return RaftConfig{}
	}
	return *m.pendingConfig
}

func (m *Metadata) SetPendingConfig(cfg RaftConfig) {
	c := cfg.Clone()
	m.pendingConfig = &c
	m.updateActiveRole()
}

func (m *Metadata) ClearPendingConfig() {
	m.pendingConfig = nil
	m.updateActiveRole()
}

// ActiveConfig is the pending config if there is one, else the committed one.
func (m *Metadata) ActiveConfig() RaftConfig {
	if m.pendingConfig != nil {
		return *m.pendingConfig
	}
	return m.data.CommittedConfig
}

func (m *Metadata) LeaderUUID() types.NodeID {
	return m.leaderUUID
}

func (m *Metadata) SetLeaderUUID(uuid types.NodeID) {
	m.leaderUUID = uuid
	m.updateActiveRole()
}

func (m *Metadata) ActiveRole() Role {
	return m.activeRole
}

// RoleAndTerm may be called without holding the replica state lock.
func (m *Metadata) RoleAndTerm() (Role, types.Term) {
	rt := m.roleAndTermCache.Load()
	if rt == nil {
		return RoleNonParticipant, 0
	}
	return rt.role, rt.term
}

// State builds the externally visible consensus state from the active or committed config.
func (m *Metadata) State(active bool) ConsensusState {
	st := ConsensusState{
		TabletID:    m.data.TabletID,
		PeerUUID:    m.data.PeerUUID,
		CurrentTerm: m.data.CurrentTerm,
		Role:        m.activeRole,
	}
	if active {
		st.Config = m.ActiveConfig().Clone()
		st.LeaderUUID = m.leaderUUID
	} else {
		st.Config = m.data.CommittedConfig.Clone()
		if st.Config.IsVoter(m.leaderUUID) {
			st.LeaderUUID = m.leaderUUID
		}
	}
	return st
}

// Flush writes the durable fields through a temp file and rename.
func (m *Metadata) Flush() error {
	if err := m.data.CommittedConfig.Validate(true); err != nil {
		return fmt.Errorf("refusing to flush consensus metadata: %w", err)
	}
	m.flushes++
	if m.path == "" {
		return nil
	}

	raw, err := yaml.Marshal(&m.data)
	if err != nil {
		return fmt.Errorf("marshal consensus metadata: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create consensus metadata dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// Flushes counts successful Flush calls, for tests.
func (m *Metadata) Flushes() int {
	return m.flushes
}

func (m *Metadata) updateActiveRole() {
	old := m.activeRole
	m.activeRole = RoleOf(m.data.PeerUUID, m.leaderUUID, m.ActiveConfig())
	m.updateRoleAndTermCache()
	if old != "" && old != m.activeRole {
		slog.Info("updating active role",
			"tablet", m.data.TabletID,
			"peer", m.data.PeerUUID,
			"from", old,
			"to", m.activeRole,
			"term", m.data.CurrentTerm,
			"leader", m.leaderUUID,
			"pending_config", m.pendingConfig != nil)
	}
}

func (m *Metadata) updateRoleAndTermCache() {
	m.roleAndTermCache.Store(&roleAndTerm{role: m.activeRole, term: m.data.CurrentTerm})
}
