package collection

import (
	"sync"
	"sync/atomic"

	"github.com/estuary/reactivedb/internal/index"
)

// SubStatus is a subscription's load status (§3 GLOSSARY).
type SubStatus int

const (
	StatusReady SubStatus = iota
	StatusLoadingMore
)

var subscriptionSeq uint64

// Subscription is a per-subscriber record: a filter, a set of keys already
// surfaced to this subscriber ("sent keys"), and a load status (§3, §4.2).
type Subscription struct {
	id     uint64
	mu     sync.Mutex
	filter func(Entity) bool
	sent   map[Key]bool
	status SubStatus
	cb     func([]Change)

	// removeFromCollection detaches this subscription from its owning
	// collection; set by Collection.SubscribeChanges.
	removeFromCollection func()
}

func newSubscription(filter func(Entity) bool, cb func([]Change)) *Subscription {
	return &Subscription{
		id:     atomic.AddUint64(&subscriptionSeq, 1),
		filter: filter,
		sent:   map[Key]bool{},
		status: StatusReady,
		cb:     cb,
	}
}

func (s *Subscription) Status() SubStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Subscription) setStatus(st SubStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Unsubscribe detaches this subscription from its collection (§3 lifecycle).
func (s *Subscription) Unsubscribe() {
	if s.removeFromCollection != nil {
		s.removeFromCollection()
	}
}

// passesFilter applies this subscription's WHERE expression, if any, to the
// new value of an insert or update. Deletes are not filtered; Dispatch only
// checks them against the sent-keys set.
func (s *Subscription) passesFilter(e Entity) bool {
	return s.filter == nil || e == nil || s.filter(e)
}

// Dispatch delivers one committed change to this subscriber, applying the
// sent-keys rewrite rules of §4.2: updates and deletes for keys this
// subscriber hasn't yet seen are suppressed (delete) or rewritten to an
// insert (update), until the key is first surfaced.
func (s *Subscription) Dispatch(changes []Change) {
	s.mu.Lock()
	var out []Change
	for _, c := range changes {
		switch c.Type {
		case Insert:
			if !s.passesFilter(c.Value) {
				continue
			}
			s.sent[c.Key] = true
			out = append(out, c)
		case Update:
			if !s.passesFilter(c.Value) {
				if s.sent[c.Key] {
					delete(s.sent, c.Key)
					out = append(out, Change{Type: Delete, Key: c.Key, PreviousValue: c.PreviousValue})
				}
				continue
			}
			if !s.sent[c.Key] {
				s.sent[c.Key] = true
				out = append(out, Change{Type: Insert, Key: c.Key, Value: c.Value})
			} else {
				out = append(out, c)
			}
		case Delete:
			if !s.sent[c.Key] {
				continue // never surfaced to this subscriber; nothing to retract
			}
			delete(s.sent, c.Key)
			out = append(out, c)
		}
	}
	cb := s.cb
	s.mu.Unlock()
	if len(out) > 0 && cb != nil {
		cb(out)
	}
}

// Snapshot emits an Insert change for every (key, entity) pair passing the
// subscription's filter and not already sent, marking them sent. Used for
// `includeInitialState` (§4.2).
func (s *Subscription) Snapshot(visible map[Key]Entity) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Change
	for k, v := range visible {
		if s.sent[k] {
			continue
		}
		if s.filter != nil && !s.filter(v) {
			continue
		}
		s.sent[k] = true
		out = append(out, Change{Type: Insert, Key: k, Value: v})
	}
	return out
}

// RequestLimitedSnapshot streams up to limit items beyond minValue
// (exclusive) from a range index, subject to this subscriber's filter and
// sent-keys set. The subscription moves to StatusLoadingMore for the
// duration of the fetch and back to StatusReady once it returns, whether or
// not it actually found more rows (§4.2).
func (s *Subscription) RequestLimitedSnapshot(rangeIdx *index.Range, limit int, minValue any, get func(Key) (Entity, bool)) []Change {
	s.setStatus(StatusLoadingMore)
	defer s.setStatus(StatusReady)

	s.mu.Lock()
	defer s.mu.Unlock()
	keys := rangeIdx.Take(limit, minValue, func(k any) bool {
		if s.sent[k] {
			return false
		}
		e, ok := get(k)
		if !ok {
			return false
		}
		return s.filter == nil || s.filter(e)
	})
	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		e, ok := get(k)
		if !ok {
			continue
		}
		s.sent[k] = true
		out = append(out, Change{Type: Insert, Key: k, Value: e})
	}
	return out
}
