package consensus

import (
	"errors"
	"testing"
	"time"

	"tabletraft/pkg/rafterrors"
)

func TestLease_TryUpdateKeepsLatest(t *testing.T) {
	base := time.Unix(100, 0)
	var l CoarseTimeLease
	if l.Active() {
		t.Fatalf("zero lease must be inactive")
	}
	l.TryUpdate(CoarseTimeLease{HolderUUID: "a", Expiration: base.Add(time.Second)})
	l.TryUpdate(CoarseTimeLease{HolderUUID: "b", Expiration: base})
	if l.HolderUUID != "a" || !l.Active() {
		t.Fatalf("earlier lease replaced a later one: %+v", l)
	}
	l.Reset()
	if l.Active() {
		t.Fatalf("reset lease must be inactive")
	}

	var ht PhysicalComponentLease
	ht.TryUpdate(PhysicalComponentLease{HolderUUID: "a", Expiration: 10})
	ht.TryUpdate(PhysicalComponentLease{HolderUUID: "b", Expiration: 5})
	if ht.HolderUUID != "a" || ht.Expiration != 10 {
		t.Fatalf("unexpected ht lease %+v", ht)
	}
}

func TestLeaderState_Err(t *testing.T) {
	cases := []struct {
		status LeaderStatus
		want   error
	}{
		{LeaderAndReady, nil},
		{NotLeader, rafterrors.ErrNotLeader},
		{LeaderButNoOpNotCommitted, rafterrors.ErrLeaderNotReady},
		{LeaderButOldLeaderMayHaveLease, rafterrors.ErrLeaderHasNoLease},
		{LeaderButNoMajorityReplicatedLease, rafterrors.ErrLeaderHasNoLease},
	}
	for _, tc := range cases {
		err := LeaderState{Status: tc.status}.Err()
		if tc.want == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.status, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.status, tc.want, err)
		}
	}
	if code, _ := rafterrors.CodeOf(LeaderState{Status: NotLeader}.Err()); code != rafterrors.CodeNotTheLeader {
		t.Fatalf("not leader must carry NOT_THE_LEADER, got %q", code)
	}
}
