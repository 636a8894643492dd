package consensus

import (
	"fmt"
	"slices"
	"strings"

	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// InvalidOpIDIndex marks a config that has not been committed through the log yet.
const InvalidOpIDIndex types.LogIndex = -1

type MemberType string

const (
	MemberVoter       MemberType = "VOTER"
	MemberPreVoter    MemberType = "PRE_VOTER"
	MemberObserver    MemberType = "OBSERVER"
	MemberPreObserver MemberType = "PRE_OBSERVER"
)

func (m MemberType) Valid() bool {
	switch m {
	case MemberVoter, MemberPreVoter, MemberObserver, MemberPreObserver:
		return true
	}
	return false
}

// InTransition reports whether the member is still catching up.
func (m MemberType) InTransition() bool {
	return m == MemberPreVoter || m == MemberPreObserver
}

// Promoted returns the final member type for a PRE_* member.
func (m MemberType) Promoted() MemberType {
	switch m {
	case MemberPreVoter:
		return MemberVoter
	case MemberPreObserver:
		return MemberObserver
	}
	return m
}

type Role string

const (
	RoleFollower       Role = "FOLLOWER"
	RoleLeader         Role = "LEADER"
	RoleLearner        Role = "LEARNER"
	RoleObserver       Role = "OBSERVER"
	RoleNonParticipant Role = "NON_PARTICIPANT"
)

type RaftPeer struct {
	UUID       types.NodeID `json:"permanent_uuid" yaml:"permanent_uuid"`
	Address    string       `json:"address" yaml:"address"`
	MemberType MemberType   `json:"member_type" yaml:"member_type"`
}

// RaftConfig is the replica set of a tablet. OpIDIndex is the log index of the
// ChangeConfig operation that committed it.
type RaftConfig struct {
	OpIDIndex types.LogIndex `json:"opid_index" yaml:"opid_index"`
	Peers     []RaftPeer     `json:"peers" yaml:"peers"`
}

func (c RaftConfig) Clone() RaftConfig {
	return RaftConfig{
		OpIDIndex: c.OpIDIndex,
		Peers:     slices.Clone(c.Peers),
	}
}

// EqualIgnoringIndex compares peer sets in order, ignoring OpIDIndex.
func (c RaftConfig) EqualIgnoringIndex(other RaftConfig) bool {
	return slices.Equal(c.Peers, other.Peers)
}

func (c RaftConfig) String() string {
	parts := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		parts = append(parts, fmt.Sprintf("%s(%s)@%s", p.UUID, p.MemberType, p.Address))
	}
	return fmt.Sprintf("{opid_index: %d peers: [%s]}", c.OpIDIndex, strings.Join(parts, ", "))
}

func (c RaftConfig) Member(uuid types.NodeID) (RaftPeer, bool) {
	for _, p := range c.Peers {
		if p.UUID == uuid {
			return p, true
		}
	}
	return RaftPeer{}, false
}

func (c RaftConfig) IsMember(uuid types.NodeID) bool {
	_, ok := c.Member(uuid)
	return ok
}

func (c RaftConfig) IsVoter(uuid types.NodeID) bool {
	p, ok := c.Member(uuid)
	return ok && p.MemberType == MemberVoter
}

func (c RaftConfig) CountVoters() int {
	n := 0
	for _, p := range c.Peers {
		if p.MemberType == MemberVoter {
			n++
		}
	}
	return n
}

// Voters returns the uuids of VOTER members in config order.
func (c RaftConfig) Voters() []types.NodeID {
	out := make([]types.NodeID, 0, len(c.Peers))
	for _, p := range c.Peers {
		if p.MemberType == MemberVoter {
			out = append(out, p.UUID)
		}
	}
	return out
}

// CountServersInTransition counts PRE_* members, skipping ignore.
func (c RaftConfig) CountServersInTransition(ignore types.NodeID) int {
	n := 0
	for _, p := range c.Peers {
		if p.UUID != ignore && p.MemberType.InTransition() {
			n++
		}
	}
	return n
}

func (c RaftConfig) CountVotersInTransition() int {
	n := 0
	for _, p := range c.Peers {
		if p.MemberType == MemberPreVoter {
			n++
		}
	}
	return n
}

// WithoutPeer returns a copy of the config without uuid.
func (c RaftConfig) WithoutPeer(uuid types.NodeID) (RaftConfig, bool) {
	out := RaftConfig{OpIDIndex: c.OpIDIndex}
	removed := false
	for _, p := range c.Peers {
		if p.UUID == uuid {
			removed = true
			continue
		}
		out.Peers = append(out.Peers, p)
	}
	return out, removed
}

// Validate checks a config before it is stored as committed or pending.
func (c RaftConfig) Validate(committed bool) error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("%w: config has no peers", rafterrors.ErrInvalidArgument)
	}
	if committed && c.OpIDIndex < InvalidOpIDIndex {
		return fmt.Errorf("%w: committed config has opid_index %d", rafterrors.ErrInvalidArgument, c.OpIDIndex)
	}
	seen := make(map[types.NodeID]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.UUID == "" {
			return fmt.Errorf("%w: peer without uuid", rafterrors.ErrInvalidArgument)
		}
		if !p.MemberType.Valid() {
			return fmt.Errorf("%w: peer %s has member type %q", rafterrors.ErrInvalidArgument, p.UUID, p.MemberType)
		}
		if _, dup := seen[p.UUID]; dup {
			return fmt.Errorf("%w: duplicate peer %s", rafterrors.ErrInvalidArgument, p.UUID)
		}
		seen[p.UUID] = struct{}{}
	}
	if c.CountVoters() == 0 {
		return fmt.Errorf("%w: config has no voters", rafterrors.ErrInvalidArgument)
	}
	return nil
}

// MajoritySize is ⌊n/2⌋+1.
func MajoritySize(voters int) int {
	return voters/2 + 1
}

// RoleOf derives the role of uuid from the active config and the known leader.
func RoleOf(uuid, leaderUUID types.NodeID, cfg RaftConfig) Role {
	p, ok := cfg.Member(uuid)
	if !ok {
		return RoleNonParticipant
	}
	if leaderUUID != "" && leaderUUID == uuid {
		if p.MemberType == MemberVoter {
			return RoleLeader
		}
		return RoleNonParticipant
	}
	switch p.MemberType {
	case MemberVoter:
		return RoleFollower
	case MemberObserver:
		return RoleObserver
	case MemberPreVoter, MemberPreObserver:
		return RoleLearner
	}
	return RoleNonParticipant
}
