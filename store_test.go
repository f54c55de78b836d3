package eventbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/eventbox"
)

func makeEvent(
	id eventbox.AggregateID, typ eventbox.EventType, seq int64, data string,
) *eventbox.Event {
	return &eventbox.Event{
		Timestamp:   time.Now(),
		EventID:     uuid.New(),
		Type:        typ,
		AggregateID: id,
		Data:        json.RawMessage(data),
		Sequence:    seq,
	}
}

func TestVersionConflictError(t *testing.T) {
	err := &eventbox.VersionConflictError{
		ExpectedSequence: 0,
		ActualSequence:   5,
		NewEvents:        []*eventbox.Event{{}, {}},
	}

	assert.Contains(t, err.Error(), "version conflict")
	assert.Contains(t, err.Error(), "expected sequence 0")
	assert.Contains(t, err.Error(), "but at 5")
}

func TestRedisStore(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "1")

	ev := makeEvent(id, EventIncremented, 0, `5`)
	err := store.AppendEvents(ctx, id, 0, []*eventbox.Event{ev})
	assert.NoError(t, err)

	events, err := store.GetEvents(ctx, id, 0)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, EventIncremented, events[0].Type)
	assert.Equal(t, int64(0), events[0].Sequence)
	assert.Equal(t, ev.EventID, events[0].EventID)
}

func TestRedisAppendConflict(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "conflict")

	first := makeEvent(id, EventIncremented, 0, `1`)
	assert.NoError(t,
		store.AppendEvents(ctx, id, 0, []*eventbox.Event{first}))

	// Stale expected sequence
	stale := makeEvent(id, EventIncremented, 0, `2`)
	err := store.AppendEvents(ctx, id, 0, []*eventbox.Event{stale})

	var conflict *eventbox.VersionConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(0), conflict.ExpectedSequence)
	assert.Equal(t, int64(1), conflict.ActualSequence)
	assert.Len(t, conflict.NewEvents, 1)
	assert.Equal(t, first.EventID, conflict.NewEvents[0].EventID)
}

func TestRedisAppendAhead(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "ahead")

	ev := makeEvent(id, EventIncremented, 5, `1`)
	err := store.AppendEvents(ctx, id, 5, []*eventbox.Event{ev})

	var conflict *eventbox.VersionConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(5), conflict.ExpectedSequence)
	assert.Equal(t, int64(0), conflict.ActualSequence)
	assert.Empty(t, conflict.NewEvents)
}

func TestRedisAppendEmpty(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "empty")

	assert.NoError(t, store.AppendEvents(ctx, id, 0, nil))

	events, err := store.GetEvents(ctx, id, 0)
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisSnapshotRoundTrip(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "snap")

	evs := []*eventbox.Event{
		makeEvent(id, EventIncremented, 0, `3`),
		makeEvent(id, EventIncremented, 1, `4`),
	}
	assert.NoError(t, store.AppendEvents(ctx, id, 0, evs))

	err := store.PutSnapshot(ctx, id, &CounterState{Value: 7}, 2)
	assert.NoError(t, err)

	state := &CounterState{}
	res, err := store.GetSnapshot(ctx, id, state)
	assert.NoError(t, err)
	assert.Equal(t, 7, state.Value)
	assert.Equal(t, int64(2), res.NextSequence)
	assert.Empty(t, res.AdditionalEvents)

	// Events after the snapshot are returned for replay
	later := makeEvent(id, EventIncremented, 2, `1`)
	assert.NoError(t, store.AppendEvents(ctx, id, 2, []*eventbox.Event{later}))

	state = &CounterState{}
	res, err = store.GetSnapshot(ctx, id, state)
	assert.NoError(t, err)
	assert.Equal(t, 7, state.Value)
	assert.Len(t, res.AdditionalEvents, 1)
	assert.Equal(t, int64(2), res.AdditionalEvents[0].Sequence)
}

func TestRedisSnapshotMonotonic(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "mono")

	evs := []*eventbox.Event{
		makeEvent(id, EventIncremented, 0, `1`),
		makeEvent(id, EventIncremented, 1, `1`),
	}
	assert.NoError(t, store.AppendEvents(ctx, id, 0, evs))

	assert.NoError(t, store.PutSnapshot(ctx, id, &CounterState{Value: 2}, 2))

	// A stale snapshot save must not regress the stored one
	assert.NoError(t, store.PutSnapshot(ctx, id, &CounterState{Value: 1}, 1))

	state := &CounterState{}
	res, err := store.GetSnapshot(ctx, id, state)
	assert.NoError(t, err)
	assert.Equal(t, 2, state.Value)
	assert.Equal(t, int64(2), res.NextSequence)
}

func TestRedisGetEventsTrimmed(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "trim")

	evs := []*eventbox.Event{
		makeEvent(id, EventIncremented, 0, `1`),
		makeEvent(id, EventIncremented, 1, `2`),
	}
	assert.NoError(t, store.AppendEvents(ctx, id, 0, evs))
	assert.NoError(t, store.PutSnapshot(ctx, id, &CounterState{Value: 3}, 2))

	// The snapshot trimmed sequences 0-1, so a read below the trim point
	// fails instead of returning partial history
	_, err := store.GetEvents(ctx, id, 0)
	assert.ErrorIs(t, err, eventbox.ErrEventsTrimmed)

	later := makeEvent(id, EventIncremented, 2, `3`)
	assert.NoError(t, store.AppendEvents(ctx, id, 2, []*eventbox.Event{later}))

	events, err := store.GetEvents(ctx, id, 2)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestRedisListAggregates(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	first := eventbox.NewAggregateID("order", "1")
	second := eventbox.NewAggregateID("order", "2")
	other := eventbox.NewAggregateID("invoice", "1")

	for _, id := range []eventbox.AggregateID{first, second, other} {
		ev := makeEvent(id, EventIncremented, 0, `1`)
		assert.NoError(t, store.AppendEvents(ctx, id, 0, []*eventbox.Event{ev}))
	}

	ids, err := store.ListAggregates(ctx, eventbox.NewAggregateID("order"))
	assert.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestRedisCheckpoints(t *testing.T) {
	_, _, store := setupTestRedis(t, eventbox.DefaultConfig())

	ctx := context.Background()
	id := eventbox.NewAggregateID("test", "ckpt")

	seq, err := store.GetCheckpoint(ctx, "totals", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	assert.NoError(t, store.PutCheckpoint(ctx, "totals", id, 42))

	seq, err = store.GetCheckpoint(ctx, "totals", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}
