// Package connectivity retries network calls across connectivity loss.
//
// A Helper owns a single probing loop. Callers whose request failed with a
// RecoverableError park in a FIFO queue; the loop probes with exponential
// backoff and resumes every waiter once a probe succeeds, or rejects a waiter
// whose probe budget is exhausted.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wolfeidau/issue-cache/telemetry"
)

const (
	// DefaultBaseDelay is the delay before the first probe.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the probe backoff.
	DefaultMaxDelay = 30 * time.Second
	// Unlimited disables the probe budget of a waiter.
	Unlimited = -1
)

// Prober checks whether the backend is reachable. An error counts as a
// failed probe.
type Prober interface {
	CheckConnectivity(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (bool, error)

// CheckConnectivity calls f(ctx).
func (f ProberFunc) CheckConnectivity(ctx context.Context) (bool, error) {
	return f(ctx)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type waiter struct {
	resume     chan error
	maxRetries int
	probes     int
}

// Helper coordinates retries of calls that failed on connectivity.
// It is safe for concurrent use.
type Helper struct {
	prober Prober
	logger *slog.Logger
	sleep  SleepFunc

	baseDelay time.Duration
	maxDelay  time.Duration
	backoff   *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	reachable bool
	looping   bool
	closed    bool
	waiters   []*waiter
}

// Option configures a Helper.
type Option func(*Helper)

// WithLogger sets the logger for the helper.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Helper) {
		h.logger = logger
	}
}

// WithSleep replaces the function used to wait between probes.
func WithSleep(sleep SleepFunc) Option {
	return func(h *Helper) {
		h.sleep = sleep
	}
}

// WithBackoff sets the base and maximum probe delay.
func WithBackoff(base, max time.Duration) Option {
	return func(h *Helper) {
		h.baseDelay = base
		h.maxDelay = max
	}
}

// New creates a Helper probing with p.
func New(p Prober, opts ...Option) *Helper {
	h := &Helper{
		prober:    p,
		logger:    slog.Default(),
		sleep:     sleepContext,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		reachable: true,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.backoff = backoff.NewExponentialBackOff()
	h.backoff.InitialInterval = h.baseDelay
	h.backoff.MaxInterval = h.maxDelay
	h.backoff.Multiplier = 2
	h.backoff.RandomizationFactor = 0
	h.backoff.Reset()

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.logger = h.logger.With("component", "connectivity")
	return h
}

// Reachable reports the result of the last probe, or true if no call has
// failed on connectivity yet.
func (h *Helper) Reachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachable
}

// Waiting returns the number of callers parked in the wait queue.
func (h *Helper) Waiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}

// Close stops the probing loop and releases queued waiters with ErrClosed.
func (h *Helper) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.release(ErrClosed)
}

// WaitForConnectivity marks the backend unreachable, makes sure the probing
// loop runs and blocks until a probe succeeds. It returns ErrRetriesExhausted
// once more than maxRetries probes failed while waiting; a negative maxRetries
// waits without limit.
func (h *Helper) WaitForConnectivity(ctx context.Context, maxRetries int) error {
	_, err := h.wait(ctx, maxRetries)
	return err
}

// wait is WaitForConnectivity that also returns the number of failed probes
// counted against the waiter.
func (h *Helper) wait(ctx context.Context, maxRetries int) (int, error) {
	w := &waiter{resume: make(chan error, 1), maxRetries: maxRetries}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	h.reachable = false
	h.waiters = append(h.waiters, w)
	if !h.looping {
		h.looping = true
		go h.loop()
	}
	h.mu.Unlock()

	telemetry.AddConnectivityWaiters(ctx, 1)
	defer telemetry.AddConnectivityWaiters(ctx, -1)

	select {
	case err := <-w.resume:
		return w.probes, err
	case <-ctx.Done():
		if h.remove(w) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return w.probes, ctx.Err()
		}
		// The loop dequeued us first and has already sent.
		err := <-w.resume
		return w.probes, err
	}
}

// remove drops w from the queue. It reports false if the loop already
// dequeued it.
func (h *Helper) remove(w *waiter) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, q := range h.waiters {
		if q == w {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (h *Helper) loop() {
	for {
		delay := h.backoff.NextBackOff()
		if err := h.sleep(h.ctx, delay); err != nil {
			h.release(ErrClosed)
			return
		}

		ok, err := h.prober.CheckConnectivity(h.ctx)
		switch {
		case err != nil:
			h.logger.Debug("connectivity probe failed", "delay", delay, "error", err)
			telemetry.RecordProbe(h.ctx, "error")
			ok = false
		case ok:
			telemetry.RecordProbe(h.ctx, "reachable")
		default:
			telemetry.RecordProbe(h.ctx, "unreachable")
		}

		if ok {
			h.resumeAll()
			return
		}
		if !h.rejectExhausted() {
			return
		}
	}
}

// resumeAll resets the backoff and resumes every waiter in FIFO order.
func (h *Helper) resumeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reachable = true
	h.backoff.Reset()
	for _, w := range h.waiters {
		w.resume <- nil
	}
	h.logger.Info("connectivity restored", "resumed", len(h.waiters))
	h.waiters = nil
	h.looping = false
}

// rejectExhausted counts the failed probe against every waiter and rejects
// those over budget. It reports whether the loop should keep probing.
func (h *Helper) rejectExhausted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.waiters[:0]
	for _, w := range h.waiters {
		w.probes++
		if w.maxRetries >= 0 && w.probes > w.maxRetries {
			w.resume <- fmt.Errorf("%w after %d probes", ErrRetriesExhausted, w.probes)
			telemetry.RecordRetryExhausted(h.ctx)
			continue
		}
		kept = append(kept, w)
	}
	clear(h.waiters[len(kept):])
	h.waiters = kept

	if len(kept) == 0 {
		h.looping = false
		return false
	}
	return true
}

func (h *Helper) release(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.waiters {
		w.resume <- err
	}
	h.waiters = nil
	h.looping = false
}

// Retry runs block and, while it fails with a RecoverableError, calls
// onFailure, waits for connectivity and runs block again. Any other error is
// returned as is.
//
// maxRetries bounds the whole call: every failed probe and every failed re-run
// of block counts against it, so a reachable backend that keeps answering with
// recoverable errors is given up on too. Once the budget is exceeded the last
// block error is returned wrapped with ErrRetriesExhausted as a
// RecoverableError. Unlimited retries forever.
func Retry[T any](ctx context.Context, h *Helper, onFailure func(error), maxRetries int, block func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	failures := 0
	for attempt := 0; ; attempt++ {
		v, err := block(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRecoverable(err) || ctx.Err() != nil {
			return v, err
		}
		if onFailure != nil {
			onFailure(err)
		}

		budget := Unlimited
		if maxRetries >= 0 {
			if attempt > 0 {
				failures++
			}
			if failures > maxRetries {
				telemetry.RecordRetryExhausted(ctx)
				return zero, &RecoverableError{Err: fmt.Errorf("%w after %d failures: %w", ErrRetriesExhausted, failures, err)}
			}
			budget = maxRetries - failures
		}

		probes, werr := h.wait(ctx, budget)
		failures += probes
		if werr != nil {
			if ctx.Err() != nil {
				return zero, werr
			}
			return zero, &RecoverableError{Err: fmt.Errorf("%w: %w", werr, err)}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
