// Package poller evaluates a settlement predicate on a fixed schedule until
// it succeeds, fails, runs out of attempts, or is cancelled.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultInterval is the spacing between predicate evaluations.
	DefaultInterval = 5 * time.Second

	// DefaultMaxAttempts bounds a session to roughly five minutes at the
	// default interval.
	DefaultMaxAttempts = 60
)

// Outcome is the terminal status of a polling session.
type Outcome uint8

const (
	OutcomeSettled Outcome = iota + 1
	OutcomeTimedOut
	OutcomeError
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Result is delivered once per session.
type Result struct {
	Outcome Outcome

	// Attempts is the number of predicate evaluations whose result was
	// observed before the session finished.
	Attempts int

	// Err is set for OutcomeError, and for OutcomeCancelled when the parent
	// context ended the session.
	Err error
}

// Predicate reports whether the awaited condition holds. An error aborts
// the session.
type Predicate func(ctx context.Context) (bool, error)

// Config controls the schedule. Zero values take the defaults.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	return c
}

// Timeout is the longest a session can run before timing out.
func (c Config) Timeout() time.Duration {
	c = c.withDefaults()
	return c.Interval * time.Duration(c.MaxAttempts)
}

// Handle is a running session.
type Handle struct {
	cfg  Config
	pred Predicate

	quit       chan struct{}
	cancelOnce sync.Once

	done       chan struct{}
	finishOnce sync.Once
	result     Result

	attempts atomic.Int32
}

// Start launches a session. The first evaluation happens one interval after
// the call, and each following one an interval after the previous returned.
// Evaluations never overlap.
func Start(ctx context.Context, cfg Config, pred Predicate) *Handle {
	h := &Handle{
		cfg:  cfg.withDefaults(),
		pred: pred,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	go h.run(ctx)

	return h
}

func (h *Handle) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		select {
		case <-h.cfg.Clock.TickAfter(h.cfg.Interval):
		case <-h.quit:
			return
		case <-ctx.Done():
			h.finish(OutcomeCancelled, ctx.Err())
			return
		}

		// A cancel that raced the tick wins.
		select {
		case <-h.quit:
			return
		default:
		}

		ok, err := h.pred(ctx)
		h.attempts.Store(int32(attempt))

		switch {
		case err != nil:
			log.Debugf("Poll attempt %d/%d failed: %v", attempt,
				h.cfg.MaxAttempts, err)
			h.finish(OutcomeError, err)
			return

		case ok:
			h.finish(OutcomeSettled, nil)
			return
		}

		log.Tracef("Poll attempt %d/%d: not yet", attempt,
			h.cfg.MaxAttempts)
	}

	h.finish(OutcomeTimedOut, nil)
}

// finish records the first terminal outcome. Later calls are no-ops, which
// is how an evaluation completing after Cancel gets discarded.
func (h *Handle) finish(outcome Outcome, err error) {
	h.finishOnce.Do(func() {
		h.result = Result{
			Outcome:  outcome,
			Attempts: int(h.attempts.Load()),
			Err:      err,
		}
		close(h.done)
	})
}

// Cancel stops the session. It is idempotent and takes effect before the
// next scheduled evaluation. An evaluation already running completes but its
// outcome is discarded.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		close(h.quit)
		h.finish(OutcomeCancelled, nil)
	})
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the session finishes.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Wait blocks for the result or until ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Attempts is the number of evaluations observed so far.
func (h *Handle) Attempts() int {
	return int(h.attempts.Load())
}
