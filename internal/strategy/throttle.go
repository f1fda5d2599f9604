package strategy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/estuary/reactivedb/internal/txn"
)

// Throttle spaces transaction dispatch by wait between executions (§4.4),
// using a token-bucket limiter sized to allow exactly one event per
// interval -- the same spacing primitive the teacher's HRW ring uses to
// pace shuffle reads (github.com/estuary/flow go/shuffle/hrw.go), adapted
// here from read pacing to transaction dispatch pacing.
type Throttle struct {
	mgr      *txn.Manager
	wait     time.Duration
	leading  bool
	trailing bool

	limiter *rate.Limiter

	mu      sync.Mutex
	timer   *time.Timer
	pending *txn.Transaction
	start   func()
	primed  bool
}

func NewThrottle(mgr *txn.Manager, wait time.Duration, leading, trailing bool) *Throttle {
	limit := rate.Every(wait)
	return &Throttle{
		mgr:      mgr,
		wait:     wait,
		leading:  leading,
		trailing: trailing,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (t *Throttle) Execute(ctx context.Context, muts []txn.Mutation, opts ...ExecuteOption) (*txn.Transaction, error) {
	cfg := newExecuteConfig(opts)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.mgr.Cancel(t.pending)
		t.pending = nil
		t.start = nil
	}

	tx, start, err := t.mgr.Prepare(ctx, muts, cfg.strategy, cfg.persist, cfg.awaitSync)
	if err != nil {
		return nil, err
	}

	allow := t.leading && (!t.primed || t.limiter.Allow())
	t.primed = true

	if allow {
		if start != nil {
			start()
		}
	} else {
		t.pending = tx
		t.start = start
		if t.timer == nil {
			t.timer = time.AfterFunc(t.wait, t.fireTrailing)
		}
	}

	return tx, nil
}

func (t *Throttle) fireTrailing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	if t.trailing && t.start != nil {
		t.start()
	}
	t.pending = nil
	t.start = nil
}

func (t *Throttle) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.pending != nil {
		t.mgr.Cancel(t.pending)
		t.pending = nil
		t.start = nil
	}
}
