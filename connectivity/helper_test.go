package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// scriptedProber answers probes from a fixed script, then repeats the last answer.
type scriptedProber struct {
	mu      sync.Mutex
	answers []bool
	calls   int
}

func (p *scriptedProber) CheckConnectivity(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.answers) {
		i = len(p.answers) - 1
	}
	return p.answers[i], nil
}

func (p *scriptedProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

var errOffline = errors.New("offline")

func TestRetry_SuccessWithoutFailure(t *testing.T) {
	h := New(&scriptedProber{answers: []bool{true}})
	defer h.Close()

	v, err := Retry(context.Background(), h, nil, 2, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.True(t, h.Reachable())
}

func TestRetry_UnrecoverableNotRetried(t *testing.T) {
	prober := &scriptedProber{answers: []bool{true}}
	h := New(prober)
	defer h.Close()

	var calls int
	_, err := Retry(context.Background(), h, nil, Unlimited, func(context.Context) (int, error) {
		calls++
		return 0, Unrecoverable(errors.New("bad json"))
	})
	require.Error(t, err)
	require.False(t, IsRecoverable(err))
	require.Equal(t, 1, calls)
	require.Equal(t, 0, prober.Calls())
}

// Connectivity returns on the third probe: the caller is resumed only after
// it and the block runs a second time.
func TestRetry_ResumesAfterSuccessfulProbe(t *testing.T) {
	prober := &scriptedProber{answers: []bool{false, false, true}}
	sleep := &recordingSleep{}
	h := New(prober, WithSleep(sleep.Sleep), WithBackoff(100*time.Millisecond, 30*time.Second))
	defer h.Close()

	var calls, failures int
	v, err := Retry(context.Background(), h, func(error) { failures++ }, Unlimited, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Recoverable(errOffline)
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, failures)
	require.Equal(t, 3, prober.Calls())
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, sleep.Delays())
	require.True(t, h.Reachable())
}

func TestRetry_BudgetExhausted(t *testing.T) {
	prober := &scriptedProber{answers: []bool{false}}
	sleep := &recordingSleep{}
	h := New(prober, WithSleep(sleep.Sleep))
	defer h.Close()

	_, err := Retry(context.Background(), h, nil, 2, func(context.Context) (int, error) {
		return 0, Recoverable(errOffline)
	})
	require.Error(t, err)
	require.True(t, IsRecoverable(err))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errOffline)
	require.Equal(t, 3, prober.Calls())
	require.False(t, h.Reachable())
	require.Equal(t, 0, h.Waiting())
}

// A reachable backend that keeps failing is retried within the same budget as
// failed probes.
func TestRetry_BudgetBoundsReachableFailures(t *testing.T) {
	prober := &scriptedProber{answers: []bool{true}}
	h := New(prober, WithSleep((&recordingSleep{}).Sleep))
	defer h.Close()

	errUnavailable := errors.New("503 from issue endpoint")
	calls := 0
	_, err := Retry(context.Background(), h, nil, 2, func(context.Context) (int, error) {
		calls++
		return 0, Recoverable(errUnavailable)
	})
	require.True(t, IsRecoverable(err))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errUnavailable)
	// The first run plus three re-runs; the third failed re-run exceeds 2.
	require.Equal(t, 4, calls)
	require.Equal(t, 3, prober.Calls())
	require.Equal(t, 0, h.Waiting())
}

func TestRetry_BudgetSharedByProbesAndReruns(t *testing.T) {
	// One failed probe, then reachable: the budget of 2 leaves room for one
	// failed re-run before the next one exceeds it.
	prober := &scriptedProber{answers: []bool{false, true}}
	h := New(prober, WithSleep((&recordingSleep{}).Sleep))
	defer h.Close()

	calls := 0
	_, err := Retry(context.Background(), h, nil, 2, func(context.Context) (int, error) {
		calls++
		return 0, Recoverable(errOffline)
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 3, calls)
}

func TestRetry_UnlimitedKeepsRetryingReachableFailures(t *testing.T) {
	h := New(&scriptedProber{answers: []bool{true}}, WithSleep((&recordingSleep{}).Sleep))
	defer h.Close()

	calls := 0
	v, err := Retry(context.Background(), h, nil, Unlimited, func(context.Context) (int, error) {
		calls++
		if calls < 20 {
			return 0, Recoverable(errOffline)
		}
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, 20, calls)
}

func TestRetry_ProbeErrorCountsAsFailure(t *testing.T) {
	var calls atomic.Int32
	h := New(ProberFunc(func(context.Context) (bool, error) {
		calls.Add(1)
		return false, errors.New("dns failure")
	}), WithSleep((&recordingSleep{}).Sleep))
	defer h.Close()

	err := h.WaitForConnectivity(context.Background(), 0)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.EqualValues(t, 1, calls.Load())
}

func TestWaitForConnectivity_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	h := New(&scriptedProber{answers: []bool{false}}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.WaitForConnectivity(ctx, Unlimited) }()

	require.Eventually(t, func() bool { return h.Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released on cancel")
	}
	require.Equal(t, 0, h.Waiting())
}

// Waiters with different budgets share one loop; the bounded waiter is
// rejected while the unlimited ones keep waiting.
func TestWaitForConnectivity_SharedLoopFIFO(t *testing.T) {
	step := make(chan struct{})
	prober := &scriptedProber{answers: []bool{false, false, true}}
	h := New(prober, WithSleep(func(ctx context.Context, _ time.Duration) error {
		select {
		case <-step:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	defer h.Close()

	results := make([]chan error, 3)
	budgets := []int{Unlimited, 0, Unlimited}
	for i, budget := range budgets {
		results[i] = make(chan error, 1)
		go func() {
			results[i] <- h.WaitForConnectivity(context.Background(), budget)
		}()
		require.Eventually(t, func() bool { return h.Waiting() == i+1 }, time.Second, time.Millisecond)
	}

	step <- struct{}{} // probe 1 fails, rejects waiter 1
	require.ErrorIs(t, <-results[1], ErrRetriesExhausted)
	require.Equal(t, 2, h.Waiting())

	step <- struct{}{} // probe 2 fails
	step <- struct{}{} // probe 3 succeeds
	require.NoError(t, <-results[0])
	require.NoError(t, <-results[2])
	require.Equal(t, 3, prober.Calls())
	require.Equal(t, 0, h.Waiting())
}

func TestClose_ReleasesWaiters(t *testing.T) {
	h := New(&scriptedProber{answers: []bool{false}}, WithBackoff(time.Hour, time.Hour))

	done := make(chan error, 1)
	go func() { done <- h.WaitForConnectivity(context.Background(), Unlimited) }()
	require.Eventually(t, func() bool { return h.Waiting() == 1 }, time.Second, time.Millisecond)

	h.Close()
	require.ErrorIs(t, <-done, ErrClosed)
	require.ErrorIs(t, h.WaitForConnectivity(context.Background(), Unlimited), ErrClosed)
}

// After N consecutive failed probes the next delay is min(base*2^N, max), and
// a successful probe resets it to base.
func TestBackoffLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.IntRange(1, 1000).Draw(t, "base")) * time.Millisecond
		max := base * time.Duration(rapid.IntRange(1, 64).Draw(t, "factor"))
		failures := rapid.IntRange(0, 12).Draw(t, "failures")

		answers := make([]bool, failures+1)
		answers[failures] = true
		sleep := &recordingSleep{}
		h := New(&scriptedProber{answers: answers}, WithSleep(sleep.Sleep), WithBackoff(base, max))
		defer h.Close()

		if err := h.WaitForConnectivity(context.Background(), Unlimited); err != nil {
			t.Fatalf("wait: %v", err)
		}

		delays := sleep.Delays()
		if len(delays) != failures+1 {
			t.Fatalf("expected %d probes, got %d", failures+1, len(delays))
		}
		for n, d := range delays {
			want := base << n
			if want > max || want <= 0 {
				want = max
			}
			if d != want {
				t.Fatalf("delay before probe %d: got %v, want %v", n+1, d, want)
			}
		}

		// Reset on success: the next outage starts from base again.
		if err := h.WaitForConnectivity(context.Background(), Unlimited); err != nil {
			t.Fatalf("second wait: %v", err)
		}
		if got := sleep.Delays()[len(delays)]; got != base {
			t.Fatalf("delay after reset: got %v, want %v", got, base)
		}
	})
}

func TestHTTPProber(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ping", r.URL.Path)
		if !healthy.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL+"/", nil)

	ok, err := p.CheckConnectivity(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	healthy.Store(true)
	ok, err = p.CheckConnectivity(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIsRecoverable(t *testing.T) {
	require.True(t, IsRecoverable(Recoverable(errOffline)))
	require.True(t, IsRecoverable(errors.Join(errors.New("ctx"), Recoverable(errOffline))))
	require.False(t, IsRecoverable(errOffline))
	require.False(t, IsRecoverable(Unrecoverable(Recoverable(errOffline))))
	require.NoError(t, Recoverable(nil))
	require.NoError(t, Unrecoverable(nil))
}
