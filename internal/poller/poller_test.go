package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"cashucloak/internal/credential"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

const testInterval = 5 * time.Second

type harness struct {
	t     *testing.T
	clk   *clock.TestClock
	ticks chan time.Duration
}

func newHarness(t *testing.T) *harness {
	ticks := make(chan time.Duration, 128)
	return &harness{
		t:     t,
		clk:   clock.NewTestClockWithTickSignal(testTime, ticks),
		ticks: ticks,
	}
}

func (h *harness) cfg(maxAttempts int) Config {
	return Config{
		Interval:    testInterval,
		MaxAttempts: maxAttempts,
		Clock:       h.clk,
	}
}

// tick waits for the poller to arm its timer, then fires it.
func (h *harness) tick() {
	h.t.Helper()

	select {
	case d := <-h.ticks:
		require.Equal(h.t, testInterval, d)
		h.clk.SetTime(h.clk.Now().Add(d))
	case <-time.After(time.Second):
		h.t.Fatalf("poller never armed its timer")
	}
}

func (h *harness) noMoreTicks() {
	h.t.Helper()

	select {
	case <-h.ticks:
		h.t.Fatalf("poller armed a timer after finishing")
	case <-time.After(20 * time.Millisecond):
	}
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestBoundedPolling(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	handle := Start(context.Background(), h.cfg(4), func(context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	})

	for i := 0; i < 4; i++ {
		h.tick()
	}

	res := wait(t, handle)
	require.Equal(t, OutcomeTimedOut, res.Outcome)
	require.Equal(t, 4, res.Attempts)
	require.EqualValues(t, 4, calls.Load())
	require.Equal(t, testTime.Add(4*testInterval), h.clk.Now())
	h.noMoreTicks()
}

func TestSettlesOnThirdAttempt(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	handle := Start(context.Background(), h.cfg(DefaultMaxAttempts), func(context.Context) (bool, error) {
		return calls.Add(1) == 3, nil
	})

	for i := 0; i < 3; i++ {
		h.tick()
	}

	res := wait(t, handle)
	require.Equal(t, OutcomeSettled, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, testTime.Add(15*time.Second), h.clk.Now())
	h.noMoreTicks()
}

func TestNoEvaluationBeforeFirstInterval(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	handle := Start(context.Background(), h.cfg(3), func(context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	})
	defer handle.Cancel()

	select {
	case <-h.ticks:
	case <-time.After(time.Second):
		t.Fatal("poller never armed its timer")
	}
	require.Zero(t, calls.Load())
}

func TestErrorAbortsSession(t *testing.T) {
	h := newHarness(t)

	boom := errors.New("connection reset")
	var calls atomic.Int32
	handle := Start(context.Background(), h.cfg(10), func(context.Context) (bool, error) {
		if calls.Add(1) == 2 {
			return false, boom
		}
		return false, nil
	})

	h.tick()
	h.tick()

	res := wait(t, handle)
	require.Equal(t, OutcomeError, res.Outcome)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, 2, res.Attempts)
	h.noMoreTicks()
}

func TestCancelBeforeNextAttempt(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	handle := Start(context.Background(), h.cfg(10), func(context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	})

	h.tick()
	require.Eventually(t, func() bool { return handle.Attempts() == 1 },
		time.Second, time.Millisecond)

	// Wait for the second timer to be armed, cancel, then fire it.
	d := <-h.ticks
	handle.Cancel()
	handle.Cancel()
	h.clk.SetTime(h.clk.Now().Add(d))

	res := wait(t, handle)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.Equal(t, 1, res.Attempts)

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	handle := Start(context.Background(), h.cfg(10), func(context.Context) (bool, error) {
		close(entered)
		<-release
		return true, nil
	})

	h.tick()
	<-entered

	handle.Cancel()
	close(release)

	res := wait(t, handle)
	require.Equal(t, OutcomeCancelled, res.Outcome)

	// The late success must not overwrite the result.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, OutcomeCancelled, handle.Result().Outcome)
	h.noMoreTicks()
}

func TestEvaluationsNeverOverlap(t *testing.T) {
	h := newHarness(t)

	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
		calls    atomic.Int32
	)
	handle := Start(context.Background(), h.cfg(5), func(context.Context) (bool, error) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return calls.Add(1) == 5, nil
	})

	for i := 0; i < 5; i++ {
		h.tick()
	}

	require.Equal(t, OutcomeSettled, wait(t, handle).Outcome)
	require.False(t, overlap.Load())
}

func TestParentContextCancels(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	handle := Start(ctx, h.cfg(10), func(context.Context) (bool, error) {
		return false, nil
	})

	<-h.ticks
	cancel()

	res := wait(t, handle)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.Equal(t, 300*time.Second, cfg.Timeout())

	cfg = Config{Interval: time.Second, MaxAttempts: 3}
	require.Equal(t, 3*time.Second, cfg.Timeout())
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished []Result
}

func (o *countingObserver) PollStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) PollFinished(r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r)
}

func (o *countingObserver) finishedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.finished)
}

func TestRegistryAtMostOneSession(t *testing.T) {
	h := newHarness(t)
	obs := &countingObserver{}
	reg := NewRegistry(obs)

	key := NewKey(credential.NewInvoice("lnbc10n1pabc"), "https://mint.example")
	other := NewKey(credential.NewInvoice("lnbc10n1pabc"), "https://other.example")

	never := func(context.Context) (bool, error) { return false, nil }

	first := reg.Start(context.Background(), key, h.cfg(10), never)
	second := reg.Start(context.Background(), key, h.cfg(10), never)
	third := reg.Start(context.Background(), other, h.cfg(10), never)

	require.Equal(t, OutcomeCancelled, wait(t, first).Outcome)

	active, ok := reg.Active(key)
	require.True(t, ok)
	require.Same(t, second, active)
	require.Equal(t, 2, reg.Len())

	require.True(t, reg.Cancel(key))
	require.False(t, reg.Cancel(key))
	require.Equal(t, OutcomeCancelled, wait(t, second).Outcome)

	reg.CancelAll()
	require.Equal(t, OutcomeCancelled, wait(t, third).Outcome)
	require.Zero(t, reg.Len())

	require.Eventually(t, func() bool { return obs.finishedCount() == 3 },
		time.Second, time.Millisecond)
	require.Equal(t, 3, obs.started)
}

func TestRegistryReapsFinishedSessions(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry(nil)

	key := NewKey(credential.NewToken("cashuAabc"), "https://mint.example")
	handle := reg.Start(context.Background(), key, h.cfg(1), func(context.Context) (bool, error) {
		return true, nil
	})

	h.tick()
	require.Equal(t, OutcomeSettled, wait(t, handle).Outcome)
	require.Eventually(t, func() bool { return reg.Len() == 0 },
		time.Second, time.Millisecond)
}
