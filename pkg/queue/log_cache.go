package queue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

type entrySet = skipmap.FuncMap[types.LogIndex, *consensus.ReplicateMsg]

// LogCache keeps recently appended entries in memory so that lagging peers
// can be served without reading the log. Entries are evicted once every peer
// has them and they are durable.
type LogCache struct {
	log     consensus.Log
	entries *entrySet
	bytes   atomic.Int64

	mu sync.Mutex
	// nextIndex is one past the last appended entry.
	nextIndex types.LogIndex
	// durable is the last index the log confirmed.
	durable types.LogIndex
}

func NewLogCache(log consensus.Log) *LogCache {
	return &LogCache{
		log: log,
		entries: skipmap.NewFunc[types.LogIndex, *consensus.ReplicateMsg](func(a, b types.LogIndex) bool {
			return a < b
		}),
	}
}

// Init positions the cache after the last entry already in the log.
func (c *LogCache) Init(last types.OpID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIndex = last.Index + 1
	c.durable = last.Index
}

// AppendOperations caches msgs and hands them to the log. Entries at or
// below the last appended index replace the cached suffix. done runs once
// the log made them durable.
func (c *LogCache) AppendOperations(msgs []*consensus.ReplicateMsg, committed types.OpID, done func(error)) error {
	var first, last types.LogIndex
	if len(msgs) > 0 {
		first = msgs[0].ID.Index
		last = msgs[len(msgs)-1].ID.Index

		c.mu.Lock()
		if first < c.nextIndex {
			c.truncateFromLocked(first)
		}
		for _, msg := range msgs {
			c.entries.Store(msg.ID.Index, msg)
			c.bytes.Add(int64(msg.Size()))
		}
		c.nextIndex = last + 1
		c.mu.Unlock()
	}

	err := c.log.Append(msgs, committed, func(err error) {
		if err == nil && len(msgs) > 0 {
			c.markDurable(last)
		}
		if done != nil {
			done(err)
		}
	})
	if err != nil && len(msgs) > 0 {
		c.mu.Lock()
		c.truncateFromLocked(first)
		c.mu.Unlock()
		return fmt.Errorf("append %d entries to the log: %w", len(msgs), err)
	}
	return err
}

func (c *LogCache) markDurable(index types.LogIndex) {
	c.mu.Lock()
	if index > c.durable && index < c.nextIndex {
		c.durable = index
	}
	c.mu.Unlock()
}

func (c *LogCache) truncateFromLocked(index types.LogIndex) {
	c.entries.Range(func(idx types.LogIndex, msg *consensus.ReplicateMsg) bool {
		if idx >= index {
			c.entries.Delete(idx)
			c.bytes.Add(-int64(msg.Size()))
		}
		return true
	})
	c.nextIndex = index
	c.durable = min(c.durable, index-1)
}

// HasOpBeenWritten reports whether index was appended.
func (c *LogCache) HasOpBeenWritten(index types.LogIndex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return index < c.nextIndex
}

// LookupOpID returns the id of the entry at index. Index zero is the empty
// log position.
func (c *LogCache) LookupOpID(index types.LogIndex) (types.OpID, error) {
	if index <= 0 {
		return types.OpID{}, nil
	}
	if msg, ok := c.entries.Load(index); ok {
		return msg.ID, nil
	}
	if !c.HasOpBeenWritten(index) {
		return types.OpID{}, fmt.Errorf("%w: entry %d was not written yet", rafterrors.ErrNotFound, index)
	}
	msgs, err := c.log.ReadOps(index-1, 1)
	if err != nil {
		return types.OpID{}, err
	}
	if len(msgs) == 0 || msgs[0].ID.Index != index {
		return types.OpID{}, fmt.Errorf("%w: entry %d is not in the log", rafterrors.ErrNotFound, index)
	}
	return msgs[0].ID, nil
}

// ReadOps returns entries after the given index together with the id of the
// entry at after. toIndex, when positive, is the last index to return. At
// least one entry is returned if any exists, even past maxBytes.
func (c *LogCache) ReadOps(after, toIndex types.LogIndex, maxBytes int) ([]*consensus.ReplicateMsg, types.OpID, error) {
	preceding, err := c.LookupOpID(after)
	if err != nil {
		return nil, types.OpID{}, err
	}

	c.mu.Lock()
	next := c.nextIndex
	c.mu.Unlock()

	var (
		msgs []*consensus.ReplicateMsg
		size int
	)
	add := func(msg *consensus.ReplicateMsg) bool {
		if toIndex > 0 && msg.ID.Index > toIndex {
			return false
		}
		if len(msgs) > 0 && size+msg.Size() > maxBytes {
			return false
		}
		msgs = append(msgs, msg)
		size += msg.Size()
		return true
	}

	for idx := after + 1; idx < next; {
		if msg, ok := c.entries.Load(idx); ok {
			if !add(msg) {
				break
			}
			idx++
			continue
		}

		fromLog, err := c.log.ReadOps(idx-1, max(maxBytes-size, 1))
		if err != nil {
			return nil, types.OpID{}, err
		}
		if len(fromLog) == 0 || fromLog[0].ID.Index != idx {
			return nil, types.OpID{}, fmt.Errorf("%w: entry %d is neither cached nor in the log", rafterrors.ErrNotFound, idx)
		}
		full := false
		for _, msg := range fromLog {
			if msg.ID.Index >= next || !add(msg) {
				full = true
				break
			}
			idx++
		}
		if full {
			break
		}
	}
	return msgs, preceding, nil
}

// EvictThroughOp drops cached entries up to index that are durable.
func (c *LogCache) EvictThroughOp(index types.LogIndex) {
	c.mu.Lock()
	limit := min(index, c.durable)
	c.mu.Unlock()

	c.entries.Range(func(idx types.LogIndex, msg *consensus.ReplicateMsg) bool {
		if idx > limit {
			return false
		}
		c.entries.Delete(idx)
		c.bytes.Add(-int64(msg.Size()))
		return true
	})
}

func (c *LogCache) Len() int {
	return c.entries.Len()
}

// Bytes is the approximate size of the cached entries.
func (c *LogCache) Bytes() int64 {
	return c.bytes.Load()
}

func (c *LogCache) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("LogCache(num_ops=%d, bytes=%d, next_index=%d, durable=%d)",
		c.entries.Len(), c.bytes.Load(), c.nextIndex, c.durable)
}
