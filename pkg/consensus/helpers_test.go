package consensus

import (
	"fmt"
	"testing"
	"time"

	"tabletraft/pkg/types"
)

type fatalPanic string

// expectFatal runs fn and fails unless it hit fatalf.
func expectFatal(t *testing.T, fn func()) {
	t.Helper()
	prev := fatalf
	fatalf = func(format string, args ...any) {
		panic(fatalPanic(fmt.Sprintf(format, args...)))
	}
	defer func() { fatalf = prev }()

	defer func() {
		t.Helper()
		r := recover()
		if _, ok := r.(fatalPanic); !ok {
			t.Fatalf("expected fatal, got %v", r)
		}
	}()
	fn()
}

func threeVoters() RaftConfig {
	return RaftConfig{
		OpIDIndex: InvalidOpIDIndex,
		Peers: []RaftPeer{
			{UUID: "a", Address: "a:1", MemberType: MemberVoter},
			{UUID: "b", Address: "b:1", MemberType: MemberVoter},
			{UUID: "c", Address: "c:1", MemberType: MemberVoter},
		},
	}
}

func singleVoter(uuid types.NodeID) RaftConfig {
	return RaftConfig{
		OpIDIndex: InvalidOpIDIndex,
		Peers:     []RaftPeer{{UUID: uuid, Address: string(uuid) + ":1", MemberType: MemberVoter}},
	}
}

type fakeClockSource struct {
	now time.Time
}

func (f *fakeClockSource) Now() time.Time { return f.now }

func (f *fakeClockSource) Advance(d time.Duration) { f.now = f.now.Add(d) }

// recordingContext is a ConsensusContext that records what reached it.
type recordingContext struct {
	delayWrites bool
	prepared    []types.OpID
	configs     []RaftConfig
	majority    int
}

func (c *recordingContext) PrepareOperation(round *ConsensusRound) error {
	c.prepared = append(c.prepared, round.OpID())
	return nil
}

func (c *recordingContext) ShouldApplyWrite() bool { return !c.delayWrites }

func (c *recordingContext) ChangeConfigReplicated(cfg RaftConfig) {
	c.configs = append(c.configs, cfg)
}

func (c *recordingContext) MajorityReplicated() { c.majority++ }

type outcome struct {
	err  error
	term types.Term
}

func trackedRound(msg *ReplicateMsg, results map[types.LogIndex]outcome) *ConsensusRound {
	return NewRound(msg, func(err error, term types.Term) {
		results[msg.ID.Index] = outcome{err: err, term: term}
	})
}
