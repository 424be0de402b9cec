package cacheop

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/issue-cache/download"
	"github.com/wolfeidau/issue-cache/telemetry"
)

// Spec identifies the operation to prepare.
type Spec struct {
	Tag     string
	Kind    Kind
	Trigger Trigger
}

// Reporter is handed to a RunFunc to publish progress and read the current
// priority of its operation.
type Reporter interface {
	Report(bytesDone, bytesTotal int64)
	PriorityFunc() download.PriorityFunc
	Priority() Priority
}

// RunFunc performs the I/O of an operation.
type RunFunc[T any] func(ctx context.Context, r Reporter) (T, error)

// Operation is an in-flight cache operation. It is created by Prepare and
// run by Execute.
type Operation[T any] struct {
	reg      *Registry
	logger   *slog.Logger
	tag      string
	kind     Kind
	trigger  Trigger
	priority atomic.Int32
	run      RunFunc[T]
	done     chan struct{}

	mu       sync.Mutex
	state    State
	started  bool
	waiters  int
	cancel   context.CancelFunc
	parents  []string
	emitted  bool
	update   CacheStateUpdate
	result   T
	err      error
	finished bool
}

// Prepare returns the active operation for spec.Tag, raising its priority to
// at least priority, or registers a new operation running run. The lookup
// and registration are one atomic step.
//
// If the tag is held by an operation of a different kind, Prepare waits for it
// to finish and tries again, so operations on one tag never run concurrently.
// The returned operation holds the tag until it is executed to completion.
func Prepare[T any](ctx context.Context, reg *Registry, spec Spec, priority Priority, run RunFunc[T]) (*Operation[T], error) {
	if spec.Trigger == "" {
		spec.Trigger = TriggerManual
	}

	for {
		reg.mu.Lock()
		existing, ok := reg.active[spec.Tag]
		if !ok {
			op := newOperation(reg, spec, priority, run)
			reg.active[spec.Tag] = op
			reg.mu.Unlock()

			telemetry.AddActiveOperations(ctx, string(spec.Kind), 1)
			op.logger.Debug("operation registered", "priority", priority)
			return op, nil
		}

		if existing.Kind() == spec.Kind {
			op, ok := existing.(*Operation[T])
			if !ok {
				reg.mu.Unlock()
				return nil, fmt.Errorf("operation %s %q has an unexpected result type", spec.Kind, spec.Tag)
			}
			prev := op.raisePriority(priority)
			reg.mu.Unlock()

			telemetry.RecordOperationDeduplicated(ctx, string(spec.Kind))
			op.logger.Debug("joined active operation", "priority", op.Priority(), "previous_priority", prev)
			return op, nil
		}

		done := existing.Done()
		reg.mu.Unlock()

		reg.logger.Debug("waiting for operation of another kind",
			"tag", spec.Tag, "kind", spec.Kind, "active_kind", existing.Kind())
		select {
		case <-done:
		case <-ctx.Done():
			return nil, &OperationFailedError{Tag: spec.Tag, Kind: spec.Kind, Err: ctx.Err()}
		}
	}
}

func newOperation[T any](reg *Registry, spec Spec, priority Priority, run RunFunc[T]) *Operation[T] {
	op := &Operation[T]{
		reg:     reg,
		logger:  reg.logger.With("tag", spec.Tag, "kind", spec.Kind),
		tag:     spec.Tag,
		kind:    spec.Kind,
		trigger: spec.Trigger,
		run:     run,
		done:    make(chan struct{}),
		state:   Queued,
		update:  CacheStateUpdate{Type: UpdateInitial, State: StateLoading},
	}
	op.priority.Store(int32(priority))
	return op
}

// Tag returns the tag the operation is registered under.
func (op *Operation[T]) Tag() string { return op.tag }

// Kind returns the operation kind.
func (op *Operation[T]) Kind() Kind { return op.kind }

// Priority returns the current priority.
func (op *Operation[T]) Priority() Priority { return Priority(op.priority.Load()) }

// PriorityFunc returns a function reading the current priority for the file
// fetch queue.
func (op *Operation[T]) PriorityFunc() download.PriorityFunc {
	return func() int { return int(op.priority.Load()) }
}

// Done is closed once the operation reached a terminal state.
func (op *Operation[T]) Done() <-chan struct{} { return op.done }

// State returns the lifecycle state.
func (op *Operation[T]) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// CurrentUpdate returns the latest update the operation published.
func (op *Operation[T]) CurrentUpdate() CacheStateUpdate {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.update
}

// raisePriority sets the priority to max(current, p) and returns the previous value.
func (op *Operation[T]) raisePriority(p Priority) Priority {
	for {
		cur := op.priority.Load()
		if int32(p) <= cur {
			return Priority(cur)
		}
		if op.priority.CompareAndSwap(cur, int32(p)) {
			return Priority(cur)
		}
	}
}

// AttachParent forwards the operation's progress updates to parent as well.
// Terminal updates are published to the operation's own tag only.
func (op *Operation[T]) AttachParent(parent string) {
	if parent == "" || parent == op.tag {
		return
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if !slices.Contains(op.parents, parent) {
		op.parents = append(op.parents, parent)
	}
}

// Execute runs the operation, or waits for the run already started by another
// caller, and returns its result. Failures are returned as
// *OperationFailedError.
//
// The work runs detached from ctx. When every caller waiting in Execute has
// given up, the work is cancelled; the operation still reaches Failed and
// leaves the registry.
func (op *Operation[T]) Execute(ctx context.Context) (T, error) {
	op.mu.Lock()
	if op.finished {
		op.mu.Unlock()
		return op.result, op.err
	}
	op.waiters++
	if !op.started {
		op.started = true
		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		op.cancel = cancel
		go op.work(workCtx)
	}
	op.mu.Unlock()

	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
		op.mu.Lock()
		op.waiters--
		if op.waiters == 0 && !op.finished {
			op.logger.Debug("all callers left, cancelling operation")
			op.cancel()
		}
		op.mu.Unlock()

		var zero T
		return zero, &OperationFailedError{Tag: op.tag, Kind: op.kind, Err: ctx.Err()}
	}
}

// Report publishes a Loading update with progress counters.
func (op *Operation[T]) Report(bytesDone, bytesTotal int64) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.finished {
		return
	}
	op.update = CacheStateUpdate{State: StateLoading, BytesDone: bytesDone, BytesTotal: bytesTotal}
	op.publishLocked(true)
}

// publishLocked publishes op.update to the own tag and, unless terminal, to
// every parent tag. The first update on the own tag is Initial; the parent
// operation has already opened its tag, so forwarded updates are changes.
func (op *Operation[T]) publishLocked(toParents bool) {
	u := op.update
	u.Type = UpdateChange
	if !op.emitted {
		u.Type = UpdateInitial
		op.emitted = true
	}
	op.reg.publish(op.tag, u)

	if !toParents {
		return
	}
	for _, parent := range op.parents {
		fwd := op.update
		fwd.Type = UpdateChange
		op.reg.publish(parent, fwd)
	}
}

func (op *Operation[T]) work(ctx context.Context) {
	start := time.Now()
	defer op.cancel()

	op.mu.Lock()
	op.state = Loading
	op.publishLocked(true)
	op.mu.Unlock()
	op.logger.Debug("operation started", "priority", op.Priority(), "trigger", op.trigger)

	result, err := op.runSafe(ctx)

	// Leave the registry before waking waiters, so a caller that prepares
	// again after Execute returns gets a fresh operation.
	if !op.reg.unregister(op) {
		op.logger.Error("operation was not registered under its tag")
	}

	onSuccess, onFailure := terminalStates(op.kind)

	op.mu.Lock()
	op.finished = true
	if err != nil {
		op.state = Failed
		op.err = &OperationFailedError{Tag: op.tag, Kind: op.kind, Err: err}
		op.update = CacheStateUpdate{State: onFailure, BytesDone: op.update.BytesDone, BytesTotal: op.update.BytesTotal, Err: op.err}
	} else {
		op.state = Success
		op.result = result
		op.update = CacheStateUpdate{State: onSuccess, BytesDone: op.update.BytesTotal, BytesTotal: op.update.BytesTotal}
	}
	op.publishLocked(false)
	op.mu.Unlock()

	close(op.done)

	outcome := "success"
	if err != nil {
		outcome = "failed"
		op.logger.Warn("operation failed", "duration", time.Since(start), "error", err)
	} else {
		op.logger.Info("operation finished", "duration", time.Since(start))
	}
	telemetry.RecordOperation(ctx, string(op.kind), outcome, string(op.trigger), time.Since(start))
	telemetry.AddActiveOperations(ctx, string(op.kind), -1)
}

func (op *Operation[T]) runSafe(ctx context.Context) (result T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("operation panicked: %v", p)
		}
	}()
	return op.run(ctx, op)
}
