package cacheop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testSpec = Spec{Tag: "taz/2024-03-01/regular", Kind: KindContentDownload}

func collect(t *testing.T, ch <-chan Status, n int) []Status {
	t.Helper()
	out := make([]Status, 0, n)
	for len(out) < n {
		select {
		case s := <-ch:
			out = append(out, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d updates", len(out), n)
		}
	}
	return out
}

func TestPrepare_SameKindJoinsAndRunsOnce(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	var runs atomic.Int32
	release := make(chan struct{})
	run := func(context.Context, Reporter) (string, error) {
		runs.Add(1)
		<-release
		return "done", nil
	}

	op1, err := Prepare(ctx, reg, testSpec, PriorityNormal, run)
	require.NoError(t, err)
	op2, err := Prepare(ctx, reg, testSpec, PriorityNormal, run)
	require.NoError(t, err)
	require.Same(t, op1, op2)
	require.Equal(t, 1, reg.Len())

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, op := range []*Operation[string]{op1, op2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := op.Execute(ctx)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, []string{"done", "done"}, results)
	assert.Equal(t, Success, op1.State())
	assert.Zero(t, reg.Len())

	_, ok := reg.Lookup(testSpec.Tag)
	assert.False(t, ok)
}

func TestPrepare_RaisesPriority(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	run := func(context.Context, Reporter) (int, error) { return 0, nil }

	op, err := Prepare(ctx, reg, testSpec, PriorityLow, run)
	require.NoError(t, err)
	require.Equal(t, PriorityLow, op.Priority())

	_, err = Prepare(ctx, reg, testSpec, PriorityHigh, run)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, op.Priority())

	_, err = Prepare(ctx, reg, testSpec, PriorityNormal, run)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, op.Priority(), "priority never decreases")
	assert.Equal(t, int(PriorityHigh), op.PriorityFunc()())

	info, ok := reg.Lookup(testSpec.Tag)
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, info.Priority)
}

func TestPrepare_UnexpectedResultType(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	_, err := Prepare(ctx, reg, testSpec, PriorityNormal, func(context.Context, Reporter) (int, error) { return 0, nil })
	require.NoError(t, err)

	_, err = Prepare(ctx, reg, testSpec, PriorityNormal, func(context.Context, Reporter) (string, error) { return "", nil })
	require.Error(t, err)
}

func TestPrepare_DifferentKindWaitsForActive(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	release := make(chan struct{})
	download, err := Prepare(ctx, reg, testSpec, PriorityNormal, func(context.Context, Reporter) (int, error) {
		<-release
		return 1, nil
	})
	require.NoError(t, err)
	go func() { _, _ = download.Execute(ctx) }()

	deletionSpec := Spec{Tag: testSpec.Tag, Kind: KindContentDeletion}
	prepared := make(chan *Operation[int], 1)
	go func() {
		op, err := Prepare(ctx, reg, deletionSpec, PriorityNormal, func(context.Context, Reporter) (int, error) {
			return 2, nil
		})
		assert.NoError(t, err)
		prepared <- op
	}()

	select {
	case <-prepared:
		t.Fatal("operation of another kind was registered while the tag was busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	var deletion *Operation[int]
	select {
	case deletion = <-prepared:
	case <-time.After(2 * time.Second):
		t.Fatal("deletion was never prepared")
	}
	assert.Equal(t, Success, download.State())
	assert.Equal(t, KindContentDeletion, deletion.Kind())

	res, err := deletion.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res)
}

func TestPrepare_DifferentKindHonoursContext(t *testing.T) {
	reg := NewRegistry()
	_, err := Prepare(context.Background(), reg, testSpec, PriorityNormal, func(context.Context, Reporter) (int, error) { return 0, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Prepare(ctx, reg, Spec{Tag: testSpec.Tag, Kind: KindIssueDeletion}, PriorityNormal,
		func(context.Context, Reporter) (int, error) { return 0, nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsOperationFailed(err))
}

func TestExecute_FailureIsWrapped(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	boom := errors.New("boom")

	op, err := Prepare(ctx, reg, testSpec, PriorityNormal, func(context.Context, Reporter) (int, error) {
		return 0, boom
	})
	require.NoError(t, err)

	_, err = op.Execute(ctx)
	require.ErrorIs(t, err, boom)

	var failed *OperationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, testSpec.Tag, failed.Tag)
	assert.Equal(t, KindContentDownload, failed.Kind)
	assert.Equal(t, Failed, op.State())
	assert.Zero(t, reg.Len())

	// A finished operation keeps returning its outcome.
	_, again := op.Execute(ctx)
	assert.Equal(t, err, again)
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	op, err := Prepare(ctx, reg, testSpec, PriorityNormal, func(context.Context, Reporter) (int, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	_, err = op.Execute(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Zero(t, reg.Len())
}

func TestExecute_AbandonedByAllCallersCancelsWork(t *testing.T) {
	reg := NewRegistry()
	observed := make(chan error, 1)

	op, err := Prepare(context.Background(), reg, testSpec, PriorityNormal, func(ctx context.Context, _ Reporter) (int, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return 0, ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = op.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case werr := <-observed:
		require.ErrorIs(t, werr, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("work was not cancelled")
	}
	<-op.Done()
	assert.Equal(t, Failed, op.State())
	assert.Zero(t, reg.Len())
}

func TestExecute_OneCallerLeavingKeepsWorkRunning(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})

	op, err := Prepare(context.Background(), reg, testSpec, PriorityNormal, func(ctx context.Context, _ Reporter) (int, error) {
		select {
		case <-release:
			return 7, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	require.NoError(t, err)

	staying := make(chan int, 1)
	go func() {
		res, err := op.Execute(context.Background())
		assert.NoError(t, err)
		staying <- res
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = op.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.Equal(t, 7, <-staying)
	assert.Equal(t, Success, op.State())
}

func TestExecute_PublishesInitialThenUpdates(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	updates, cancel := reg.Subscribe(testSpec.Tag)
	defer cancel()

	op, err := Prepare(ctx, reg, testSpec, PriorityNormal, func(_ context.Context, r Reporter) (int, error) {
		r.Report(5, 10)
		r.Report(10, 10)
		return 0, nil
	})
	require.NoError(t, err)
	_, err = op.Execute(ctx)
	require.NoError(t, err)

	got := collect(t, updates, 4)
	assert.Equal(t, CacheStateUpdate{Type: UpdateInitial, State: StateLoading}, got[0].Update)
	assert.Equal(t, CacheStateUpdate{Type: UpdateChange, State: StateLoading, BytesDone: 5, BytesTotal: 10}, got[1].Update)
	assert.Equal(t, CacheStateUpdate{Type: UpdateChange, State: StateLoading, BytesDone: 10, BytesTotal: 10}, got[2].Update)
	assert.Equal(t, CacheStateUpdate{Type: UpdateChange, State: StatePresent, BytesDone: 10, BytesTotal: 10}, got[3].Update)
	for _, s := range got {
		assert.Equal(t, testSpec.Tag, s.Tag)
	}
}

func TestExecute_TerminalStatesPerKind(t *testing.T) {
	tests := []struct {
		kind Kind
		fail bool
		want CacheState
	}{
		{KindContentDownload, false, StatePresent},
		{KindContentDownload, true, StateAbsent},
		{KindWrappedDownload, false, StatePresent},
		{KindMetadataDownload, false, StateAbsent},
		{KindMetadataDownload, true, StateAbsent},
		{KindContentDeletion, false, StateAbsent},
		{KindContentDeletion, true, StatePresent},
		{KindIssueDeletion, false, StateAbsent},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ctx := context.Background()
			reg := NewRegistry()
			updates, cancel := reg.Subscribe("tag")
			defer cancel()

			op, err := Prepare(ctx, reg, Spec{Tag: "tag", Kind: tt.kind}, PriorityNormal, func(context.Context, Reporter) (int, error) {
				if tt.fail {
					return 0, errors.New("failed")
				}
				return 0, nil
			})
			require.NoError(t, err)
			_, _ = op.Execute(ctx)

			got := collect(t, updates, 2)
			assert.Equal(t, tt.want, got[1].Update.State)
			assert.Equal(t, tt.fail, got[1].Update.Err != nil)
		})
	}
}

func TestAttachParent_ForwardsProgressButNotTerminal(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	parent := "parent/" + testSpec.Tag
	updates, cancel := reg.Subscribe(parent)
	defer cancel()

	op, err := Prepare(ctx, reg, testSpec, PriorityNormal, func(_ context.Context, r Reporter) (int, error) {
		r.Report(1, 2)
		return 0, nil
	})
	require.NoError(t, err)
	op.AttachParent(parent)
	op.AttachParent(parent)
	op.AttachParent(testSpec.Tag)

	_, err = op.Execute(ctx)
	require.NoError(t, err)

	got := collect(t, updates, 2)
	assert.Equal(t, CacheStateUpdate{Type: UpdateChange, State: StateLoading}, got[0].Update)
	assert.Equal(t, CacheStateUpdate{Type: UpdateChange, State: StateLoading, BytesDone: 1, BytesTotal: 2}, got[1].Update)

	select {
	case s := <-updates:
		t.Fatalf("unexpected update on parent tag: %+v", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribe_DropsOldestWhenFull(t *testing.T) {
	reg := NewRegistry(WithSubscriberBuffer(2))
	updates, cancel := reg.Subscribe("a")

	reg.publish("a", CacheStateUpdate{BytesDone: 1})
	reg.publish("b", CacheStateUpdate{BytesDone: 99})
	reg.publish("a", CacheStateUpdate{BytesDone: 2})
	reg.publish("a", CacheStateUpdate{BytesDone: 3})

	got := collect(t, updates, 2)
	assert.Equal(t, int64(2), got[0].Update.BytesDone)
	assert.Equal(t, int64(3), got[1].Update.BytesDone)

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
}

func TestSubscribe_AllTags(t *testing.T) {
	reg := NewRegistry()
	updates, cancel := reg.Subscribe()
	defer cancel()

	reg.publish("a", CacheStateUpdate{State: StatePresent})
	reg.publish("b", CacheStateUpdate{State: StateAbsent})

	got := collect(t, updates, 2)
	assert.Equal(t, "a", got[0].Tag)
	assert.Equal(t, "b", got[1].Tag)
}

func TestRegistry_AtMostOneActiveOperationPerTag(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		reg := NewRegistry()
		tagIdx := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 24).Draw(rt, "tags")

		tags := []string{"a", "b", "c", "d"}
		release := make(chan struct{})
		var runs atomic.Int32
		run := func(context.Context, Reporter) (int, error) {
			runs.Add(1)
			<-release
			return 0, nil
		}

		ops := make([]*Operation[int], len(tagIdx))
		errs := make([]error, len(tagIdx))
		var wg sync.WaitGroup
		for i, idx := range tagIdx {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ops[i], errs[i] = Prepare(ctx, reg, Spec{Tag: tags[idx], Kind: KindContentDownload}, PriorityNormal, run)
			}()
		}
		wg.Wait()
		if err := errors.Join(errs...); err != nil {
			close(release)
			rt.Fatalf("prepare: %v", err)
		}

		distinct := make(map[string]*Operation[int])
		for i, idx := range tagIdx {
			tag := tags[idx]
			if prev, ok := distinct[tag]; ok && prev != ops[i] {
				rt.Fatalf("two operations active for tag %q", tag)
			}
			distinct[tag] = ops[i]
		}
		if reg.Len() != len(distinct) {
			rt.Fatalf("registry holds %d operations, want %d", reg.Len(), len(distinct))
		}

		close(release)
		for _, op := range ops {
			if _, err := op.Execute(ctx); err != nil {
				rt.Fatalf("execute: %v", err)
			}
		}
		if int(runs.Load()) != len(distinct) {
			rt.Fatalf("ran %d times, want %d", runs.Load(), len(distinct))
		}
		if reg.Len() != 0 {
			rt.Fatalf("registry not empty after all operations finished: %d", reg.Len())
		}
	})
}
