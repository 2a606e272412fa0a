package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fortiescrow/internal/circuitbreaker"
)

// Timer periodically force-refunds funded escrows whose deadline has been
// reached, acting as a keeper so recovery does not depend on the parties.
type Timer struct {
	service  *Service
	store    Store
	keeper   string
	interval time.Duration
	batch    int
	logger   *slog.Logger
	breaker  *circuitbreaker.Breaker // skips instances whose refund keeps failing
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewTimer creates a deadline sweeper. keeper is the caller address recorded
// on the force refunds it submits.
func NewTimer(service *Service, store Store, keeper string, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		keeper:   keeper,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		breaker:  circuitbreaker.New(3, 10*time.Minute),
		stop:     make(chan struct{}),
	}
}

// WithBreaker replaces the per-escrow failure breaker.
func (t *Timer) WithBreaker(b *circuitbreaker.Breaker) *Timer {
	if b != nil {
		t.breaker = b
	}
	return t
}

// WithInterval sets the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithBatch sets how many expired escrows one sweep handles.
func (t *Timer) WithBatch(n int) *Timer {
	if n > 0 {
		t.batch = n
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last sweep finished, or the zero time.
func (t *Timer) LastRun() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep force-refunds up to one batch of expired escrows and returns how
// many were refunded. Halted instances and instances behind an open breaker
// are passed over without using a batch slot, so they cannot starve the
// escrows that expire after them.
func (t *Timer) Sweep(ctx context.Context) int {
	defer t.lastRun.Store(time.Now().UnixNano())

	now := t.service.Engine().Clock().Now()
	// Every entry that can be passed over is either halted or tracked by
	// the breaker, so this window always holds a full batch of candidates.
	window := t.batch + t.service.haltedCount() + t.breaker.Tracked()
	expired, err := t.store.ListExpired(ctx, now, window)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return 0
	}

	attempted, refunded := 0, 0
	for _, e := range expired {
		if attempted == t.batch {
			break
		}
		if t.service.Halted(e.ID) {
			sweepRefunds.WithLabelValues("halted").Inc()
			continue
		}
		if !t.breaker.Allow(e.ID) {
			sweepRefunds.WithLabelValues("skipped").Inc()
			continue
		}
		attempted++
		if _, err := t.service.ForceRefund(ctx, e.ID, t.keeper); err != nil {
			t.breaker.RecordFailure(e.ID)
			sweepRefunds.WithLabelValues("failed").Inc()
			t.logger.Warn("failed to force-refund expired escrow",
				"escrow_id", e.ID,
				"deadline", e.Deadline,
				"error", err,
			)
			continue
		}
		t.breaker.RecordSuccess(e.ID)
		refunded++
		sweepRefunds.WithLabelValues("refunded").Inc()
		t.logger.Info("force-refunded expired escrow",
			"escrow_id", e.ID,
			"depositor", e.Depositor,
			"amount", e.Balance.Dec(),
		)
	}
	return refunded
}
