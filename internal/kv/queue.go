// ABOUTME: Operations recorded before the connection opens, as tagged values
// ABOUTME: Replayed through one dispatch table, or failed in FIFO order

package kv

import (
	"github.com/2389/coven-kv/internal/engine"
)

type opKind uint8

const (
	opGet opKind = iota
	opGetMany
	opSet
	opAdd
	opRemove
	opClear
	opCount
	opKeys
	opValues
	opJSON
	opIterate
	opBegin
)

var opNames = [...]string{
	opGet:     "get",
	opGetMany: "get",
	opSet:     "set",
	opAdd:     "add",
	opRemove:  "remove",
	opClear:   "clear",
	opCount:   "count",
	opKeys:    "keys",
	opValues:  "values",
	opJSON:    "json",
	opIterate: "iterate",
	opBegin:   "transaction",
}

func (k opKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return "unknown"
}

// operation is one store call with its encoded arguments and where its
// outcome goes.
type operation struct {
	kind   opKind
	key    []byte
	keys   [][]byte
	value  []byte
	rng    engine.Range
	change *ChangeEvent
	target sink
	iter   IterateFunc
	tx     *Transaction
}

// fail delivers err as the operation's only outcome.
func (op *operation) fail(err error) {
	switch op.kind {
	case opBegin:
		op.tx.materialize(nil, err)
	case opIterate:
		op.iter(nil, err)
	default:
		op.target.complete(nil, err)
	}
}

// dispatch maps each kind to the Store method that executes it.
var dispatch = [...]func(*Store, *operation){
	opGet:     (*Store).runGet,
	opGetMany: (*Store).runGetMany,
	opSet:     (*Store).runSet,
	opAdd:     (*Store).runAdd,
	opRemove:  (*Store).runRemove,
	opClear:   (*Store).runClear,
	opCount:   (*Store).runCount,
	opKeys:    (*Store).runKeys,
	opValues:  (*Store).runValues,
	opJSON:    (*Store).runJSON,
	opIterate: (*Store).runIterate,
	opBegin:   (*Store).runBegin,
}

type opQueue struct {
	ops []*operation
}

func (q *opQueue) push(op *operation) {
	q.ops = append(q.ops, op)
}

func (q *opQueue) pop() *operation {
	if len(q.ops) == 0 {
		return nil
	}
	op := q.ops[0]
	q.ops[0] = nil
	q.ops = q.ops[1:]
	return op
}

func (q *opQueue) len() int {
	return len(q.ops)
}

// take empties the queue and returns what it held.
func (q *opQueue) take() []*operation {
	ops := q.ops
	q.ops = nil
	return ops
}

func failAll(ops []*operation, err error) {
	for _, op := range ops {
		op.fail(err)
	}
}
