// Package collection implements the keyed entity store with layered
// optimistic state, sync ingestion, subscription fan-out, automatic
// indexing, and garbage-collected lifecycle (spec.md §3, §4.1).
package collection

import "github.com/estuary/reactivedb/internal/ir"

// Entity, Key, ChangeType and Change alias the IR package's definitions so
// collections, the query engine, and the transaction manager share one
// vocabulary without an import cycle.
type Entity = ir.Entity
type Key = ir.Key
type ChangeType = ir.ChangeType
type Change = ir.Change

const (
	Insert = ir.Insert
	Update = ir.Update
	Delete = ir.Delete
)
