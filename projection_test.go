package eventbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/eventbox"
)

func TestCatchUp(t *testing.T) {
	_, _, store, executor := setupTestExecutor(t)

	ctx := context.Background()
	id := eventbox.NewAggregateID("counter", "catchup")

	_, err := executor.Exec(ctx, id,
		func(s *CounterState, ag *eventbox.Aggregator[*CounterState]) error {
			for range 3 {
				if err := eventbox.Raise(ag, EventIncremented, 10); err != nil {
					return err
				}
			}
			return nil
		},
	)
	assert.NoError(t, err)

	total := 0
	proj := eventbox.NewProjection(
		"totals",
		func(ctx context.Context, ev *eventbox.Event) error {
			total += 10
			return nil
		},
	)

	cps := eventbox.NewMemoryCheckpoints()
	assert.NoError(t, eventbox.CatchUp(ctx, store, cps, proj, id))
	assert.Equal(t, 30, total)

	next, err := cps.GetCheckpoint(ctx, "totals", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), next)

	// A second catch-up with no new events is a no-op
	assert.NoError(t, eventbox.CatchUp(ctx, store, cps, proj, id))
	assert.Equal(t, 30, total)
}

func TestCatchUpResumes(t *testing.T) {
	_, _, store, executor := setupTestExecutor(t)

	ctx := context.Background()
	id := eventbox.NewAggregateID("counter", "resume")

	appendOne := func() {
		_, err := executor.Exec(ctx, id,
			func(
				s *CounterState, ag *eventbox.Aggregator[*CounterState],
			) error {
				return eventbox.Raise(ag, EventIncremented, 1)
			},
		)
		assert.NoError(t, err)
	}

	var seen []int64
	proj := eventbox.NewProjection(
		"resume",
		func(ctx context.Context, ev *eventbox.Event) error {
			seen = append(seen, ev.Sequence)
			return nil
		},
	)

	cps := eventbox.NewMemoryCheckpoints()

	appendOne()
	appendOne()
	assert.NoError(t, eventbox.CatchUp(ctx, store, cps, proj, id))

	appendOne()
	assert.NoError(t, eventbox.CatchUp(ctx, store, cps, proj, id))

	assert.Equal(t, []int64{0, 1, 2}, seen)
}

func TestCatchUpHandlerError(t *testing.T) {
	_, _, store, executor := setupTestExecutor(t)

	ctx := context.Background()
	id := eventbox.NewAggregateID("counter", "catchup-err")

	_, err := executor.Exec(ctx, id,
		func(s *CounterState, ag *eventbox.Aggregator[*CounterState]) error {
			if err := eventbox.Raise(ag, EventIncremented, 1); err != nil {
				return err
			}
			return eventbox.Raise(ag, EventIncremented, 1)
		},
	)
	assert.NoError(t, err)

	wantErr := errors.New("handler failed")
	calls := 0
	proj := eventbox.NewProjection(
		"flaky",
		func(ctx context.Context, ev *eventbox.Event) error {
			calls++
			if ev.Sequence == 1 {
				return wantErr
			}
			return nil
		},
	)

	cps := eventbox.NewMemoryCheckpoints()
	err = eventbox.CatchUp(ctx, store, cps, proj, id)
	assert.ErrorIs(t, err, wantErr)

	// Checkpoint advanced past the handled event only
	next, err := cps.GetCheckpoint(ctx, "flaky", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), next)
	assert.Equal(t, 2, calls)
}

func TestRebuild(t *testing.T) {
	_, _, store, executor := setupTestExecutor(t)

	ctx := context.Background()
	id := eventbox.NewAggregateID("counter", "rebuild")

	_, err := executor.Exec(ctx, id,
		func(s *CounterState, ag *eventbox.Aggregator[*CounterState]) error {
			if err := eventbox.Raise(ag, EventIncremented, 5); err != nil {
				return err
			}
			return eventbox.Raise(ag, EventIncremented, 5)
		},
	)
	assert.NoError(t, err)

	calls := 0
	proj := eventbox.NewProjection(
		"rebuilt",
		func(ctx context.Context, ev *eventbox.Event) error {
			calls++
			return nil
		},
	)

	cps := eventbox.NewMemoryCheckpoints()
	assert.NoError(t, eventbox.CatchUp(ctx, store, cps, proj, id))
	assert.Equal(t, 2, calls)

	// Rebuild replays everything from scratch
	assert.NoError(t, eventbox.Rebuild(ctx, store, cps, proj, id))
	assert.Equal(t, 4, calls)
}

func TestRebuildTrimmedHistory(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("counter", "trimmed")

	evs := []*eventbox.Event{
		makeEvent(id, EventIncremented, 0, `1`),
		makeEvent(id, EventIncremented, 1, `2`),
		makeEvent(id, EventIncremented, 2, `3`),
	}
	assert.NoError(t, store.AppendEvents(ctx, id, 0, evs))
	assert.NoError(t, store.PutSnapshot(ctx, id, &CounterState{Value: 6}, 3))

	var seen []int64
	proj := eventbox.NewProjection(
		"totals",
		func(_ context.Context, ev *eventbox.Event) error {
			seen = append(seen, ev.Sequence)
			return nil
		},
	)

	// The snapshot trimmed the full history out of the hot list, so the
	// rebuild fails instead of silently replaying nothing
	cps := eventbox.NewMemoryCheckpoints()
	err := eventbox.Rebuild(ctx, store, cps, proj, id)
	assert.ErrorIs(t, err, eventbox.ErrEventsTrimmed)
	assert.Empty(t, seen)

	// Catching up from the trim point still works
	later := makeEvent(id, EventIncremented, 3, `4`)
	assert.NoError(t, store.AppendEvents(ctx, id, 3, []*eventbox.Event{later}))
	assert.NoError(t, cps.PutCheckpoint(ctx, "totals", id, 3))
	assert.NoError(t, eventbox.CatchUp(ctx, store, cps, proj, id))
	assert.Equal(t, []int64{3}, seen)
}

func TestRunProjections(t *testing.T) {
	_, eb, _, executor := setupTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var types []eventbox.EventType
	proj := eventbox.NewProjection(
		"live",
		func(ctx context.Context, ev *eventbox.Event) error {
			mu.Lock()
			defer mu.Unlock()
			types = append(types, ev.Type)
			return nil
		},
	)

	done := make(chan error, 1)
	go func() {
		done <- eb.RunProjections(ctx, proj)
	}()

	// Give the projection consumer time to attach to the hub
	time.Sleep(50 * time.Millisecond)

	id := eventbox.NewAggregateID("counter", "live")
	_, err := executor.Exec(context.Background(), id,
		func(s *CounterState, ag *eventbox.Aggregator[*CounterState]) error {
			return eventbox.Raise(ag, EventIncremented, 1)
		},
	)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runner to stop")
	}
}

func TestRunProjectionsFailFast(t *testing.T) {
	_, eb, _, executor := setupTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wantErr := errors.New("projection exploded")
	bad := eventbox.NewProjection(
		"bad",
		func(ctx context.Context, ev *eventbox.Event) error {
			return wantErr
		},
	)
	good := eventbox.NewProjection(
		"good",
		func(ctx context.Context, ev *eventbox.Event) error {
			return nil
		},
	)

	done := make(chan error, 1)
	go func() {
		done <- eb.RunProjections(ctx, bad, good)
	}()

	time.Sleep(50 * time.Millisecond)

	id := eventbox.NewAggregateID("counter", "failfast")
	_, err := executor.Exec(context.Background(), id,
		func(s *CounterState, ag *eventbox.Aggregator[*CounterState]) error {
			return eventbox.Raise(ag, EventIncremented, 1)
		},
	)
	assert.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, wantErr)
		assert.Contains(t, err.Error(), `projection "bad"`)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runner failure")
	}
}

func TestRunProjectionsEmpty(t *testing.T) {
	_, eb, _ := setupTestRedis(t, eventbox.DefaultConfig())

	err := eb.RunProjections(context.Background())
	assert.ErrorIs(t, err, eventbox.ErrNoProjections)
}
