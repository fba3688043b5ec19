package bfile

import (
	"bytes"
	"fmt"
	"github.com/pkg/errors"
)

type Comparator func(a, b []byte) int

// BytesComparator orders keys lexicographically, shorter keys first on a
// common prefix. This matches the key order of the index.
func BytesComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

type QueryOp uint8

const (
	OpAny QueryOp = iota
	OpEQ
	OpNEQ
	OpGT
	OpGEQ
	OpLT
	OpLEQ
	// Values[0] <= key <= Values[1]
	OpRange
	// key starts with Values[0]
	OpTruncRight
)

var queryOpNames = [...]string{"ANY", "EQ", "NEQ", "GT", "GEQ", "LT", "LEQ", "RANGE", "TRUNC_RIGHT"}

func (op QueryOp) String() string {
	if int(op) < len(queryOpNames) {
		return queryOpNames[op]
	}
	return fmt.Sprintf("QueryOp(%d)", uint8(op))
}

// IndexQuery selects keys of the index by comparing them to Values.
type IndexQuery struct {
	Op     QueryOp
	Values [][]byte
}

func NewQuery(op QueryOp, values ...[]byte) *IndexQuery {
	return &IndexQuery{Op: op, Values: values}
}

func (q *IndexQuery) Validate() error {
	need := 1
	switch q.Op {
	case OpAny:
		need = 0
	case OpRange:
		need = 2
	case OpEQ, OpNEQ, OpGT, OpGEQ, OpLT, OpLEQ, OpTruncRight:
	default:
		return errors.Errorf("unknown query operator %s", q.Op)
	}
	if len(q.Values) < need {
		return errors.Errorf("query %s needs %d values, got %d", q.Op, need, len(q.Values))
	}
	return nil
}

// Match reports whether key satisfies the query.
func (q *IndexQuery) Match(key []byte, cmp Comparator) bool {
	switch q.Op {
	case OpAny:
		return true
	case OpEQ:
		return cmp(key, q.Values[0]) == 0
	case OpNEQ:
		return cmp(key, q.Values[0]) != 0
	case OpGT:
		return cmp(key, q.Values[0]) > 0
	case OpGEQ:
		return cmp(key, q.Values[0]) >= 0
	case OpLT:
		return cmp(key, q.Values[0]) < 0
	case OpLEQ:
		return cmp(key, q.Values[0]) <= 0
	case OpRange:
		return cmp(key, q.Values[0]) >= 0 && cmp(key, q.Values[1]) <= 0
	case OpTruncRight:
		return bytes.HasPrefix(key, q.Values[0])
	}
	return false
}

// seek returns the key a sorted scan may start at, or nil to start at the
// first key.
func (q *IndexQuery) seek() []byte {
	switch q.Op {
	case OpEQ, OpGT, OpGEQ, OpRange, OpTruncRight:
		return q.Values[0]
	}
	return nil
}

// past reports whether no key at or after key can match, for keys visited
// in ascending order.
func (q *IndexQuery) past(key []byte, cmp Comparator) bool {
	switch q.Op {
	case OpEQ:
		return cmp(key, q.Values[0]) > 0
	case OpLT:
		return cmp(key, q.Values[0]) >= 0
	case OpLEQ:
		return cmp(key, q.Values[0]) > 0
	case OpRange:
		return cmp(key, q.Values[1]) > 0
	case OpTruncRight:
		return !bytes.HasPrefix(key, q.Values[0]) && cmp(key, q.Values[0]) > 0
	}
	return false
}

func (q *IndexQuery) String() string {
	return fmt.Sprintf("%s %q", q.Op, q.Values)
}
