package types

import (
	"fmt"
	"math"
)

// OpID identifies an operation in the replicated log by (term, index).
// The zero value is the minimum OpID and means "nothing yet".
type OpID struct {
	Term  Term     `json:"term" yaml:"term"`
	Index LogIndex `json:"index" yaml:"index"`
}

// MaxOpID sorts after every real operation.
var MaxOpID = OpID{Term: math.MaxInt64, Index: math.MaxInt64}

func NewOpID(term Term, index LogIndex) OpID {
	return OpID{Term: term, Index: index}
}

func (o OpID) Empty() bool {
	return o.Term == 0 && o.Index == 0
}

// Compare orders by term first, then by index.
func (o OpID) Compare(other OpID) int {
	switch {
	case o.Term < other.Term:
		return -1
	case o.Term > other.Term:
		return 1
	case o.Index < other.Index:
		return -1
	case o.Index > other.Index:
		return 1
	}
	return 0
}

func (o OpID) Less(other OpID) bool {
	return o.Compare(other) < 0
}

// MakeAtLeast raises o to other if other is greater.
func (o *OpID) MakeAtLeast(other OpID) {
	if o.Less(other) {
		*o = other
	}
}

func (o OpID) String() string {
	return fmt.Sprintf("%d.%d", o.Term, o.Index)
}

// MinOpID returns the smaller of two ids.
func MinOpID(a, b OpID) OpID {
	if b.Less(a) {
		return b
	}
	return a
}

// MinOpIDByIndex returns the id with the smaller index.
func MinOpIDByIndex(a, b OpID) OpID {
	if b.Index < a.Index {
		return b
	}
	return a
}
