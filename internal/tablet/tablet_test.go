package tablet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// fakeReplicator commits rounds synchronously, or holds them when hold is set.
type fakeReplicator struct {
	mu      sync.Mutex
	next    types.LogIndex
	hold    bool
	held    []*consensus.ConsensusRound
	lease   error
	rejects error
}

func (f *fakeReplicator) ReplicateBatch(rounds []*consensus.ConsensusRound) error {
	f.mu.Lock()
	if f.rejects != nil {
		f.mu.Unlock()
		return f.rejects
	}
	for _, r := range rounds {
		f.next++
		r.Msg().ID = types.NewOpID(1, f.next)
	}
	if f.hold {
		f.held = append(f.held, rounds...)
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	for _, r := range rounds {
		r.NotifyReplicationFinished(nil, 1)
	}
	return nil
}

func (f *fakeReplicator) CheckIsActiveLeaderAndHasLease() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lease
}

func TestTablet_PutGetDelete(t *testing.T) {
	tb := New("t1", nil)
	tb.Bind(&fakeReplicator{})
	ctx := context.Background()

	if err := tb.Put(ctx, "k", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tb.Put(ctx, "k", "v2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := tb.Get("k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("expected v2, got %q %v %v", v, ok, err)
	}
	if got := tb.Applied(); got != types.NewOpID(1, 2) {
		t.Fatalf("unexpected applied %s", got)
	}

	if err := tb.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := tb.Get("k"); ok {
		t.Fatalf("key survived delete")
	}
}

func TestTablet_GetNeedsLease(t *testing.T) {
	tb := New("t1", nil)
	tb.Bind(&fakeReplicator{lease: rafterrors.ErrLeaderHasNoLease})
	if _, _, err := tb.Get("k"); !errors.Is(err, rafterrors.ErrLeaderHasNoLease) {
		t.Fatalf("expected no lease, got %v", err)
	}
}

func TestTablet_UnboundIsNotRunning(t *testing.T) {
	tb := New("t1", nil)
	err := tb.Put(context.Background(), "k", "v")
	if code, _ := rafterrors.CodeOf(err); code != rafterrors.CodeTabletNotRunning {
		t.Fatalf("expected TABLET_NOT_RUNNING, got %v", err)
	}
}

func TestTablet_WriteRejectedByEngine(t *testing.T) {
	tb := New("t1", nil)
	tb.Bind(&fakeReplicator{rejects: rafterrors.ErrNotLeader})
	if err := tb.Put(context.Background(), "k", "v"); !errors.Is(err, rafterrors.ErrNotLeader) {
		t.Fatalf("expected not leader, got %v", err)
	}
	if tb.Len() != 0 {
		t.Fatalf("rejected write was applied")
	}
}

func TestTablet_PutTimesOutButAppliesLater(t *testing.T) {
	r := &fakeReplicator{hold: true}
	tb := New("t1", nil)
	tb.Bind(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Put(ctx, "k", "v"); !errors.Is(err, rafterrors.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}

	r.mu.Lock()
	held := r.held
	r.mu.Unlock()
	for _, round := range held {
		round.NotifyReplicationFinished(nil, 1)
	}
	if tb.Len() != 1 {
		t.Fatalf("late commit was not applied")
	}
}

func TestTablet_FollowerApplyThroughPrepare(t *testing.T) {
	tb := New("t1", nil)
	payload := []byte(`{"id":"00000000-0000-0000-0000-000000000001","op":"PUT","key":"a","value":"1"}`)
	round := consensus.NewRound(&consensus.ReplicateMsg{
		ID:      types.NewOpID(2, 7),
		OpType:  consensus.OpWrite,
		Payload: payload,
	}, nil)
	if err := tb.PrepareOperation(round); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if tb.Len() != 0 {
		t.Fatalf("prepare must not apply")
	}
	round.NotifyReplicationFinished(nil, 2)
	if tb.Len() != 1 || tb.Applied() != types.NewOpID(2, 7) {
		t.Fatalf("commit was not applied")
	}

	bad := consensus.NewRound(&consensus.ReplicateMsg{OpType: consensus.OpWrite, Payload: []byte("{")}, nil)
	if err := tb.PrepareOperation(bad); !errors.Is(err, rafterrors.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestTablet_ScanByPrefix(t *testing.T) {
	tb := New("t1", nil)
	tb.Bind(&fakeReplicator{})
	for _, k := range []string{"c/1", "b/3", "a/1", "b/1", "b/2"} {
		if err := tb.Put(context.Background(), k, "v"+k); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	got := tb.Scan("b/", 0)
	want := []KV{{"b/1", "vb/1"}, {"b/2", "vb/2"}, {"b/3", "vb/3"}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if got := tb.Scan("b/", 2); len(got) != 2 || got[1].Key != "b/2" {
		t.Fatalf("limit ignored, got %v", got)
	}
	if got := tb.Scan("d/", 0); len(got) != 0 {
		t.Fatalf("expected no keys, got %v", got)
	}
}
