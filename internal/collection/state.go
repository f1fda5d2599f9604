package collection

// overlayMutation is one pending per-key mutation contributed by an
// optimistic transaction.
type overlayMutation struct {
	Type     ChangeType
	Value    Entity // nil for Delete
	Original Entity // visible value immediately before this mutation, for Diff (§3)
}

// overlayLayer is one optimistic transaction's contribution to the
// overlay: a transaction id plus its per-key mutations, already
// deduplicated to the latest write for each key (§3).
type overlayLayer struct {
	txnID     string
	mutations map[Key]overlayMutation
}

// state holds the collection's layered state (§3 DATA MODEL): an
// authoritative synced map plus an ordered list of optimistic overlay
// layers. Visible state is synced state with every layer's mutations
// applied in order.
type state struct {
	synced  map[Key]Entity
	overlay []*overlayLayer
}

func newState() *state {
	return &state{synced: map[Key]Entity{}}
}

// Get returns the visible value for key: the most-recent overlay mutation
// touching it, or the synced value if no overlay mutation does.
func (s *state) Get(key Key) (Entity, bool) {
	for i := len(s.overlay) - 1; i >= 0; i-- {
		if m, ok := s.overlay[i].mutations[key]; ok {
			if m.Type == Delete {
				return nil, false
			}
			return m.Value, true
		}
	}
	v, ok := s.synced[key]
	return v, ok
}

// Visible materializes the full visible state: synced state with every
// overlay layer's mutations applied in order (deletes mask, updates
// replace, inserts add) (§3).
func (s *state) Visible() map[Key]Entity {
	out := make(map[Key]Entity, len(s.synced))
	for k, v := range s.synced {
		out[k] = v
	}
	for _, layer := range s.overlay {
		for k, m := range layer.mutations {
			if m.Type == Delete {
				delete(out, k)
			} else {
				out[k] = m.Value
			}
		}
	}
	return out
}

func (s *state) Size() int { return len(s.Visible()) }

// layerFor returns the overlay layer for txnID, creating it if absent.
func (s *state) layerFor(txnID string) *overlayLayer {
	for _, l := range s.overlay {
		if l.txnID == txnID {
			return l
		}
	}
	l := &overlayLayer{txnID: txnID, mutations: map[Key]overlayMutation{}}
	s.overlay = append(s.overlay, l)
	return l
}

// ApplyOptimistic records a pending mutation under txnID, overwriting any
// earlier mutation this same transaction made to the same key (latest
// write wins within one transaction, §3/§4.3). original is the value
// visible immediately before this mutation (zero value if there was none),
// carried alongside so a later Diff can be computed without re-deriving it.
func (s *state) ApplyOptimistic(txnID string, key Key, typ ChangeType, value Entity, original Entity) {
	l := s.layerFor(txnID)
	l.mutations[key] = overlayMutation{Type: typ, Value: value, Original: original}
}

// RemoveLayer drops txnID's entire overlay contribution: called once a
// transaction's mutations have been folded into synced state (commit), or
// on rollback/failure (§5 Cancellation).
func (s *state) RemoveLayer(txnID string) {
	for i, l := range s.overlay {
		if l.txnID == txnID {
			s.overlay = append(s.overlay[:i], s.overlay[i+1:]...)
			return
		}
	}
}

// HasOverlay reports whether txnID still has pending mutations.
func (s *state) HasOverlay(txnID string) bool {
	for _, l := range s.overlay {
		if l.txnID == txnID {
			return true
		}
	}
	return false
}

// OverlayKeysFor returns the set of keys a given transaction currently has
// pending mutations for.
func (s *state) OverlayKeysFor(txnID string) []Key {
	for _, l := range s.overlay {
		if l.txnID == txnID {
			out := make([]Key, 0, len(l.mutations))
			for k := range l.mutations {
				out = append(out, k)
			}
			return out
		}
	}
	return nil
}

// PendingKeys returns every key with at least one pending overlay mutation,
// used by onSyncWhilePersisting conflict detection (§4.1).
func (s *state) PendingKeys() map[Key]bool {
	out := map[Key]bool{}
	for _, l := range s.overlay {
		for k := range l.mutations {
			out[k] = true
		}
	}
	return out
}

// ApplySyncedCommit applies a batch of writes directly to synced state.
// truncate indicates previously-synced keys absent from writes should be
// dropped (§4.1). It returns the keys deleted by truncate that were not
// re-written by this same batch.
func (s *state) ApplySyncedCommit(writes []WriteOp, truncate bool, getKey func(Entity) Key) (truncatedAway []Key) {
	if truncate {
		seen := map[Key]bool{}
		for _, w := range writes {
			k := w.Key
			if k == nil && w.Value != nil {
				k = getKey(w.Value)
			}
			seen[k] = true
		}
		for k := range s.synced {
			if !seen[k] {
				truncatedAway = append(truncatedAway, k)
				delete(s.synced, k)
			}
		}
	}
	for _, w := range writes {
		k := w.Key
		if k == nil && w.Value != nil {
			k = getKey(w.Value)
		}
		switch w.Type {
		case Delete:
			delete(s.synced, k)
		default:
			s.synced[k] = w.Value
		}
	}
	return truncatedAway
}
