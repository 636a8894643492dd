package queue

import (
	"errors"
	"testing"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

func TestLogCache_ReadOpsReturnsAtLeastOneEntry(t *testing.T) {
	c := NewLogCache(&memLog{})
	c.Init(types.OpID{})
	if err := c.AppendOperations(writes(1, 1, 4), types.OpID{}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, preceding, err := c.ReadOps(1, 0, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if preceding != types.NewOpID(1, 1) {
		t.Fatalf("unexpected preceding %s", preceding)
	}
	if len(msgs) != 1 || msgs[0].ID.Index != 2 {
		t.Fatalf("expected exactly entry 2, got %v", msgs)
	}

	msgs, _, err = c.ReadOps(0, 3, 1<<20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("toIndex must bound the read, got %d entries", len(msgs))
	}
}

func TestLogCache_OverwriteTruncatesSuffix(t *testing.T) {
	log := &memLog{}
	c := NewLogCache(log)
	c.Init(types.OpID{})
	if err := c.AppendOperations(writes(1, 1, 5), types.OpID{}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.AppendOperations(writes(2, 3, 3), types.OpID{}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	if c.HasOpBeenWritten(4) {
		t.Fatalf("entry 4 was truncated")
	}
	id, err := c.LookupOpID(3)
	if err != nil || id != types.NewOpID(2, 3) {
		t.Fatalf("expected 2.3, got %s (%v)", id, err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 cached entries, got %d", c.Len())
	}
	if got := log.LatestEntryOpID(); got != types.NewOpID(2, 3) {
		t.Fatalf("log was not truncated, latest %s", got)
	}
}

func TestLogCache_EvictionFallsBackToLog(t *testing.T) {
	c := NewLogCache(&memLog{})
	c.Init(types.OpID{})
	if err := c.AppendOperations(writes(1, 1, 3), types.OpID{}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	before := c.Bytes()

	c.EvictThroughOp(2)
	if c.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", c.Len())
	}
	if c.Bytes() >= before {
		t.Fatalf("evicted bytes were not released")
	}

	msgs, preceding, err := c.ReadOps(0, 0, 1<<20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !preceding.Empty() || len(msgs) != 3 {
		t.Fatalf("expected all three entries from log and cache, got %d", len(msgs))
	}
}

func TestLogCache_EvictionKeepsNonDurableEntries(t *testing.T) {
	c := NewLogCache(&memLog{})
	c.Init(types.OpID{})

	c.mu.Lock()
	c.entries.Store(1, writes(1, 1, 1)[0])
	c.nextIndex = 2
	c.mu.Unlock()

	c.EvictThroughOp(1)
	if c.Len() != 1 {
		t.Fatalf("entry 1 is not durable and must stay cached")
	}
}

func TestLogCache_FailedAppendRollsBack(t *testing.T) {
	boom := errors.New("disk full")
	c := NewLogCache(&memLog{appendErr: boom})
	c.Init(types.OpID{})

	err := c.AppendOperations(writes(1, 1, 2), types.OpID{}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected disk full, got %v", err)
	}
	if c.HasOpBeenWritten(1) || c.Len() != 0 {
		t.Fatalf("failed append must not stay cached")
	}
	if _, err := c.LookupOpID(1); !errors.Is(err, rafterrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLogCache_LookupOfUnwrittenIndex(t *testing.T) {
	c := NewLogCache(&memLog{})
	c.Init(types.NewOpID(1, 10))
	if _, err := c.LookupOpID(11); !errors.Is(err, rafterrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var _ consensus.Log = &memLog{}
}
