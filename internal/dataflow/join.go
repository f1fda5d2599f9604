package dataflow

import (
	"fmt"

	"github.com/minio/highwayhash"

	"github.com/estuary/reactivedb/internal/ir"
)

// joinHashKey is a fixed 32-byte key for highwayhash; it only needs to be
// stable within one process, not secret, since it buckets join arrangement
// entries rather than authenticating anything.
var joinHashKey = make([]byte, 32)

// arrangementEntry is one row held on a join side, keyed by join key.
type arrangementEntry struct {
	key  ir.Key
	row  ir.Row
	mult int
}

// Join maintains arrangements of both sides keyed by their join key and
// emits `(mainKey, mergedRow)` pairs with a composite key for result rows
// (§4.9). leftKey/rightKey extract the join key from each side's namespaced
// row; leftAlias/rightAlias name the two sides in the merged row.
type Join struct {
	typ                ir.JoinType
	leftAlias          string
	rightAlias         string
	leftKey, rightKey  func(ir.Row) any
	leftArr, rightArr  map[uint64][]arrangementEntry
}

func NewJoin(typ ir.JoinType, leftAlias string, leftKey func(ir.Row) any, rightAlias string, rightKey func(ir.Row) any) *Join {
	return &Join{
		typ: typ, leftAlias: leftAlias, rightAlias: rightAlias,
		leftKey: leftKey, rightKey: rightKey,
		leftArr:  map[uint64][]arrangementEntry{},
		rightArr: map[uint64][]arrangementEntry{},
	}
}

func joinBucket(v any) uint64 {
	b := []byte(fmt.Sprintf("%v", v))
	return highwayhash.Sum64(b, joinHashKey)
}

// ApplyLeft ingests a batch from the left (driving, for inner/left joins)
// side, matching each row against the current right arrangement.
func (j *Join) ApplyLeft(in Batch) Batch {
	var out Batch
	for _, t := range in {
		k := j.leftKey(t.Value)
		bucket := joinBucket(k)
		j.leftArr[bucket] = append(j.leftArr[bucket], arrangementEntry{key: t.Key, row: t.Value, mult: t.Mult})

		matches := j.rightArr[bucket]
		if len(matches) == 0 {
			if j.typ == ir.LeftJoin || j.typ == ir.FullJoin {
				out = append(out, j.merge(t, nil))
			}
			continue
		}
		for _, m := range matches {
			out = append(out, j.mergeEntries(t, m))
		}
	}
	return out
}

// ApplyRight ingests a batch from the right (lazy, lookup) side.
func (j *Join) ApplyRight(in Batch) Batch {
	var out Batch
	for _, t := range in {
		k := j.rightKey(t.Value)
		bucket := joinBucket(k)
		j.rightArr[bucket] = append(j.rightArr[bucket], arrangementEntry{key: t.Key, row: t.Value, mult: t.Mult})

		matches := j.leftArr[bucket]
		if len(matches) == 0 {
			if j.typ == ir.RightJoin || j.typ == ir.FullJoin {
				out = append(out, j.mergeRightOnly(t))
			}
			continue
		}
		for _, m := range matches {
			out = append(out, j.mergeEntries(Triple{Key: m.key, Value: m.row, Mult: t.Mult}, arrangementEntry{key: t.Key, row: t.Value, mult: t.Mult}))
		}
	}
	return out
}

func (j *Join) mergeEntries(left Triple, right arrangementEntry) Triple {
	row := ir.Row{}
	for k, v := range left.Value {
		row[k] = v
	}
	row[j.rightAlias] = right.row[j.rightAlias]
	return Triple{
		Key:   fmt.Sprintf("[%v,%v]", left.Key, right.key),
		Value: row,
		Mult:  left.Mult,
	}
}

func (j *Join) merge(left Triple, right ir.Row) Triple {
	row := ir.Row{}
	for k, v := range left.Value {
		row[k] = v
	}
	if right != nil {
		row[j.rightAlias] = right[j.rightAlias]
	}
	return Triple{Key: fmt.Sprintf("[%v,<missing>]", left.Key), Value: row, Mult: left.Mult}
}

func (j *Join) mergeRightOnly(right Triple) Triple {
	row := ir.Row{}
	for k, v := range right.Value {
		row[k] = v
	}
	return Triple{Key: fmt.Sprintf("[<missing>,%v]", right.Key), Value: row, Mult: right.Mult}
}
