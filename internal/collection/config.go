package collection

import (
	"time"

	"github.com/estuary/reactivedb/internal/compare"
)

type AutoIndexMode int

const (
	AutoIndexOff AutoIndexMode = iota
	AutoIndexEager
)

type SyncMode int

const (
	SyncEager SyncMode = iota
	SyncOnDemand
)

// WriteOp is one `write({type, key?, value?})` call within a sync batch
// (§6). Delete carries either Key or a Value the collection can derive the
// key from via GetKey.
type WriteOp struct {
	Type  ChangeType
	Key   Key
	Value Entity
}

// SyncController is handed to the user's Sync function: begin/write/commit
// open, populate, and atomically apply one batch; Truncate marks the batch
// as replacing all previously-synced keys; MarkReady is idempotent and
// flips the collection into the ready state.
type SyncController struct {
	Begin     func()
	Write     func(WriteOp)
	Commit    func()
	Truncate  func()
	MarkReady func()
}

// OnSyncWhilePersistingArgs is passed to the host-supplied
// OnSyncWhilePersisting hook so it can decide whether an incoming sync batch
// should commit immediately alongside in-flight optimistic transactions, or
// wait for them to terminate (§4.1).
type OnSyncWhilePersistingArgs struct {
	PendingSyncKeys            []Key
	PersistingKeys             []Key
	ConflictingKeys            []Key
	PersistingTransactionCount int
	IsTruncate                 bool
}

// SyncConfig is the collection's sync driver (§4.1, §6). Sync is invoked
// once at start; SyncMore (optional) is invoked for on-demand loading
// (§4.1 "on-demand") with a structured filter description.
type SyncConfig struct {
	Sync                  func(SyncController) (cleanup func(), err error)
	SyncMore              func(req SyncMoreRequest) error
	OnSyncWhilePersisting func(OnSyncWhilePersistingArgs) bool
}

// SyncMoreRequest describes an on-demand load request derived from a
// subscription's filter or a live query's WHERE/JOIN clauses (§4.1, §4.12).
type SyncMoreRequest struct {
	Where   any // an expr.Evaluator-compatible predicate description, opaque to the sync driver
	Limit   int
	OrderBy []string
}

// InClause is a concrete, structured SyncMoreRequest.Where payload meaning
// "Field is one of Values." A lazy join's on-demand loader derives this
// from the join key observed on the eager side (§4.11, §4.12); any sync
// driver that recognizes InClause can serve it without parsing an arbitrary
// expression tree.
type InClause struct {
	Field  string
	Values []Key
}

// Config is the recognized collection configuration (§6). Unknown keys are
// only possible via NewConfigFromMap, which validates against this set with
// edit-distance suggestions; constructing a Config literal in Go code is
// always valid Go and needs no such validation.
type Config struct {
	ID                     string
	GetKey                 func(Entity) Key
	Sync                   SyncConfig
	GCTime                 time.Duration
	StartSync              bool
	AutoIndex              AutoIndexMode
	Compare                func(a, b any) int
	SyncMode               SyncMode
	DefaultStringCollation compare.Collation
	OnInsert               func(Change)
	OnUpdate               func(Change)
	OnDelete               func(Change)
	Utils                  map[string]any
	SingleResult           bool
	// AwaitSyncTimeoutMs overrides the transaction manager's default 2000ms
	// awaitSync timeout for transactions targeting this collection (§9 Open
	// Questions, resolved in favor of a per-collection override).
	AwaitSyncTimeoutMs int
}

const defaultGCTime = 5 * time.Minute

// recognizedConfigKeys is the set NewConfigFromMap validates unknown keys
// against (§6).
var recognizedConfigKeys = []string{
	"id", "schema", "getKey", "sync", "gcTime", "startSync", "autoIndex",
	"compare", "syncMode", "defaultStringCollation", "onInsert", "onUpdate",
	"onDelete", "utils", "singleResult", "awaitSyncTimeoutMs",
}

// Validate checks the required fields of a programmatically-built Config
// (§4.1 "Collection creation validates configuration upfront").
func (c *Config) Validate() error {
	if c == nil {
		return ErrCollectionRequiresConfig{}
	}
	if c.GetKey == nil {
		return ErrCollectionRequiresGetKey{}
	}
	if c.Sync.Sync == nil {
		return ErrCollectionRequiresSyncConfig{}
	}
	if c.GCTime == 0 {
		c.GCTime = defaultGCTime
	}
	if c.AwaitSyncTimeoutMs == 0 {
		c.AwaitSyncTimeoutMs = 2000
	}
	return nil
}

// NewConfigFromMap validates a dynamically-constructed config (e.g. one
// ingested from a host integration's JSON) against the recognized key set,
// surfacing ErrUnknownCollectionConfig with edit-distance suggestions for
// any key that doesn't match (§6).
func NewConfigFromMap(raw map[string]any) (*Config, error) {
	var unknown []string
	for k := range raw {
		known := false
		for _, rk := range recognizedConfigKeys {
			if rk == k {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		suggestions := map[string]string{}
		for _, k := range unknown {
			if s := suggestKey(k, recognizedConfigKeys); s != "" {
				suggestions[k] = s
			}
		}
		return nil, ErrUnknownCollectionConfig{Keys: unknown, Suggestions: suggestions}
	}

	cfg := &Config{}
	if id, ok := raw["id"].(string); ok {
		cfg.ID = id
	}
	getKey, ok := raw["getKey"].(func(Entity) Key)
	if !ok {
		return nil, ErrInvalidGetKey{}
	}
	cfg.GetKey = getKey

	sync, ok := raw["sync"].(SyncConfig)
	if !ok {
		return nil, ErrInvalidSyncConfig{Reason: "expected a SyncConfig value"}
	}
	if sync.Sync == nil {
		return nil, ErrInvalidSyncFunction{}
	}
	cfg.Sync = sync

	if gc, ok := raw["gcTime"].(time.Duration); ok {
		cfg.GCTime = gc
	}
	if ss, ok := raw["startSync"].(bool); ok {
		cfg.StartSync = ss
	}
	if ai, ok := raw["autoIndex"].(AutoIndexMode); ok {
		cfg.AutoIndex = ai
	}
	if cmp, ok := raw["compare"].(func(a, b any) int); ok {
		cfg.Compare = cmp
	}
	if sm, ok := raw["syncMode"].(SyncMode); ok {
		cfg.SyncMode = sm
	}
	if col, ok := raw["defaultStringCollation"].(compare.Collation); ok {
		cfg.DefaultStringCollation = col
	}
	for _, name := range []string{"onInsert", "onUpdate", "onDelete"} {
		if raw[name] == nil {
			continue
		}
		fn, ok := raw[name].(func(Change))
		if !ok {
			return nil, ErrInvalidCallbackOption{Option: name}
		}
		switch name {
		case "onInsert":
			cfg.OnInsert = fn
		case "onUpdate":
			cfg.OnUpdate = fn
		case "onDelete":
			cfg.OnDelete = fn
		}
	}
	if utils, ok := raw["utils"].(map[string]any); ok {
		cfg.Utils = utils
	}
	if sr, ok := raw["singleResult"].(bool); ok {
		cfg.SingleResult = sr
	}
	if ms, ok := raw["awaitSyncTimeoutMs"].(int); ok {
		cfg.AwaitSyncTimeoutMs = ms
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
