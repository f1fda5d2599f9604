package dataflow

import (
	"encoding/json"

	"github.com/estuary/reactivedb/internal/ir"
)

// rowSignature produces a stable structural identity for a row so
// Consolidate can bucket identical values together regardless of map
// iteration order. encoding/json is used rather than a corpus hashing
// library because the requirement here is deterministic key ordering for
// map types, which json.Marshal already guarantees (it sorts map keys);
// nothing in the example pack hashes arbitrary nested maps.
func rowSignature(row ir.Row) string {
	b, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	return string(b)
}
