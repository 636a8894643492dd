package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

func openWAL(t *testing.T, dir, compression string) (*WAL, *consensus.BootstrapInfo) {
	t.Helper()
	w, info, err := Open(Options{Dir: dir, Compression: compression, SyncWrites: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return w, info
}

func entries(term types.Term, from, to types.LogIndex, committed types.OpID) []*consensus.ReplicateMsg {
	var out []*consensus.ReplicateMsg
	for i := from; i <= to; i++ {
		out = append(out, &consensus.ReplicateMsg{
			ID:            types.NewOpID(term, i),
			CommittedOpID: committed,
			OpType:        consensus.OpWrite,
			Payload:       []byte(fmt.Sprintf("value-%d", i)),
		})
	}
	return out
}

// appendSync appends and waits for the completion callback.
func appendSync(t *testing.T, w *WAL, msgs []*consensus.ReplicateMsg, committed types.OpID) {
	t.Helper()
	done := make(chan error, 1)
	if err := w.Append(msgs, committed, func(err error) { done <- err }); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("append was never acknowledged")
	}
}

func TestWAL_AppendReadAndReplay(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			dir := t.TempDir()
			w, info := openWAL(t, dir, compression)
			if !info.LastID.Empty() || len(info.OrphanedReplicates) != 0 {
				t.Fatalf("fresh log should be empty, got %+v", info)
			}

			appendSync(t, w, entries(1, 1, 3, types.OpID{}), types.OpID{})
			appendSync(t, w, entries(1, 4, 5, types.NewOpID(1, 2)), types.NewOpID(1, 2))

			if got := w.LatestEntryOpID(); got != types.NewOpID(1, 5) {
				t.Fatalf("unexpected latest %s", got)
			}
			msgs, err := w.ReadOps(2, 1<<20)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(msgs) != 3 || msgs[0].ID != types.NewOpID(1, 3) || string(msgs[2].Payload) != "value-5" {
				t.Fatalf("unexpected read %v", msgs)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			w, info = openWAL(t, dir, compression)
			defer w.Close()
			if info.LastID != types.NewOpID(1, 5) {
				t.Fatalf("unexpected replayed last id %s", info.LastID)
			}
			if info.LastCommitted != types.NewOpID(1, 2) {
				t.Fatalf("unexpected replayed committed %s", info.LastCommitted)
			}
			if len(info.OrphanedReplicates) != 3 || info.OrphanedReplicates[0].ID.Index != 3 {
				t.Fatalf("expected entries 3..5 orphaned, got %v", info.OrphanedReplicates)
			}
		})
	}
}

func TestWAL_ReadOpsReturnsAtLeastOneEntry(t *testing.T) {
	w, _ := openWAL(t, t.TempDir(), "none")
	defer w.Close()
	appendSync(t, w, entries(1, 1, 3, types.OpID{}), types.OpID{})

	msgs, err := w.ReadOps(0, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(msgs))
	}
}

func TestWAL_OverwriteTruncatesSuffix(t *testing.T) {
	dir := t.TempDir()
	w, _ := openWAL(t, dir, "none")
	appendSync(t, w, entries(1, 1, 5, types.OpID{}), types.OpID{})
	appendSync(t, w, entries(2, 3, 4, types.OpID{}), types.OpID{})

	if got := w.LatestEntryOpID(); got != types.NewOpID(2, 4) {
		t.Fatalf("unexpected latest %s", got)
	}
	msgs, err := w.ReadOps(0, 1<<20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 4 || msgs[2].ID != types.NewOpID(2, 3) {
		t.Fatalf("unexpected log after overwrite: %v", msgs)
	}
	w.Close()

	w, info := openWAL(t, dir, "none")
	defer w.Close()
	if info.LastID != types.NewOpID(2, 4) {
		t.Fatalf("replay saw the overwritten suffix, last %s", info.LastID)
	}
}

func TestWAL_EmptyBatchRecordsCommit(t *testing.T) {
	dir := t.TempDir()
	w, _ := openWAL(t, dir, "none")
	appendSync(t, w, entries(1, 1, 2, types.OpID{}), types.OpID{})
	appendSync(t, w, nil, types.NewOpID(1, 2))
	if got := w.CommittedOpID(); got != types.NewOpID(1, 2) {
		t.Fatalf("unexpected committed %s", got)
	}
	w.Close()

	w, info := openWAL(t, dir, "none")
	defer w.Close()
	if info.LastCommitted != types.NewOpID(1, 2) || len(info.OrphanedReplicates) != 0 {
		t.Fatalf("unexpected bootstrap info %+v", info)
	}
}

func TestWAL_TornTailIsCut(t *testing.T) {
	dir := t.TempDir()
	w, _ := openWAL(t, dir, "none")
	appendSync(t, w, entries(1, 1, 2, types.OpID{}), types.OpID{})
	w.Close()

	path := filepath.Join(dir, "raft.wal")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte{42, 0, 0, 0, 1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	w, info := openWAL(t, dir, "none")
	if info.LastID != types.NewOpID(1, 2) {
		t.Fatalf("unexpected last id %s", info.LastID)
	}
	appendSync(t, w, entries(1, 3, 3, types.OpID{}), types.OpID{})
	w.Close()

	w, info = openWAL(t, dir, "none")
	defer w.Close()
	if info.LastID != types.NewOpID(1, 3) {
		t.Fatalf("entry written after the cut was lost, last %s", info.LastID)
	}
}

func TestWAL_RejectsGap(t *testing.T) {
	w, _ := openWAL(t, t.TempDir(), "none")
	defer w.Close()

	done := make(chan error, 1)
	if err := w.Append(entries(1, 3, 3, types.OpID{}), types.OpID{}, func(err error) { done <- err }); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := <-done; !errors.Is(err, rafterrors.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
	if !w.LatestEntryOpID().Empty() {
		t.Fatalf("nothing should have been written")
	}
}

func TestWAL_QueuedAppendsFailIndependently(t *testing.T) {
	w, _ := openWAL(t, t.TempDir(), "none")
	defer w.Close()

	batches := [][]*consensus.ReplicateMsg{
		entries(1, 1, 2, types.OpID{}),
		entries(1, 5, 5, types.OpID{}),
		entries(1, 3, 4, types.OpID{}),
	}
	results := make([]chan error, len(batches))
	for i, msgs := range batches {
		ch := make(chan error, 1)
		results[i] = ch
		if err := w.Append(msgs, types.OpID{}, func(err error) { ch <- err }); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	for i, ch := range results {
		select {
		case err := <-ch:
			if i == 1 {
				if !errors.Is(err, rafterrors.ErrCorruption) {
					t.Fatalf("expected corruption for the gap, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("append %d failed: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("append %d was never acknowledged", i)
		}
	}
	if got := w.LatestEntryOpID(); got != types.NewOpID(1, 4) {
		t.Fatalf("expected 1.4, got %s", got)
	}
}

func TestWAL_WaitForSafeOpID(t *testing.T) {
	w, _ := openWAL(t, t.TempDir(), "none")
	defer w.Close()

	if _, err := w.WaitForSafeOpIDToApply(types.NewOpID(1, 1), 20*time.Millisecond); !errors.Is(err, rafterrors.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}

	result := make(chan types.OpID, 1)
	go func() {
		id, err := w.WaitForSafeOpIDToApply(types.NewOpID(1, 2), 0)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		result <- id
	}()

	appendSync(t, w, entries(1, 1, 2, types.OpID{}), types.OpID{})
	select {
	case id := <-result:
		if id != types.NewOpID(1, 2) {
			t.Fatalf("unexpected durable id %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was not woken")
	}
}

func TestWAL_AppendAfterClose(t *testing.T) {
	w, _ := openWAL(t, t.TempDir(), "none")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Append(entries(1, 1, 1, types.OpID{}), types.OpID{}, nil); !errors.Is(err, rafterrors.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
