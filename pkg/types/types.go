package types

// NodeID is the permanent uuid of a replica.
type NodeID string

// TabletID identifies the replicated shard a consensus group serves.
type TabletID string

// Term is the election epoch. A replica votes at most once per term.
type Term int64

// LogIndex is the position of an operation in the replicated log.
type LogIndex int64

// TimestampMs is a millisecond-precision timestamp.
type TimestampMs int64
