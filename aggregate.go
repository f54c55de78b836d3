package eventbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Aggregator maintains aggregate state and tracks events raised during a
	// command. It is not safe for concurrent use
	Aggregator[T any] struct {
		value    T
		appliers Appliers[T]
		id       AggregateID
		enqueued []*Event
		nextSeq  int64
		success  []SuccessAction[T]
	}

	// Flusher persists enqueued events at the expected base sequence and
	// returns an error if the write fails
	Flusher func(int64, []*Event) error

	// SuccessAction receives the Aggregator's final value upon Exec success
	SuccessAction[T any] func(T)
)

func newAggregator[T any](
	id AggregateID, appliers Appliers[T], initValue T, initSeq int64,
) *Aggregator[T] {
	return &Aggregator[T]{
		id:       id,
		nextSeq:  initSeq,
		enqueued: []*Event{},
		appliers: appliers,
		value:    initValue,
	}
}

// ID returns the aggregate's identifier components
func (a *Aggregator[_]) ID() AggregateID {
	return a.id
}

// Value returns the aggregate's current state
func (a *Aggregator[T]) Value() T {
	return a.value
}

// NextSequence returns the next sequence number that will be assigned to a new
// event
func (a *Aggregator[_]) NextSequence() int64 {
	return a.nextSeq
}

// Enqueued returns the events raised during the current command
func (a *Aggregator[_]) Enqueued() []*Event {
	return a.enqueued
}

// OnSuccess registers an action to run if the executor completes without error
func (a *Aggregator[T]) OnSuccess(fn SuccessAction[T]) {
	a.success = append(a.success, fn)
}

func (a *Aggregator[T]) raise(typ EventType, value any, meta []byte) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	ev := &Event{
		Timestamp:   time.Now(),
		EventID:     uuid.New(),
		Sequence:    a.nextSeq,
		AggregateID: a.id,
		Type:        typ,
		Data:        data,
		Metadata:    meta,
	}

	// Apply before enqueuing so a failed applier leaves nothing to flush
	if err := a.Apply(ev); err != nil {
		return err
	}
	a.enqueued = append(a.enqueued, ev)
	a.nextSeq++
	return nil
}

// Apply updates the aggregate state using the applier for the event. Events
// with no registered applier are skipped
func (a *Aggregator[T]) Apply(ev *Event) error {
	next, err := a.appliers.Apply(a.value, ev)
	if err != nil {
		return err
	}
	a.value = next
	return nil
}

// Flush writes enqueued events through the provided flusher and clears the
// queue on success
func (a *Aggregator[_]) Flush(f Flusher) (int, error) {
	count := len(a.enqueued)
	if count == 0 {
		return 0, nil
	}
	expectedSeq := a.nextSeq - int64(count)
	if err := f(expectedSeq, a.enqueued); err != nil {
		return count, err
	}
	a.enqueued = []*Event{}
	return count, nil
}

// Raise marshals the value and enqueues a new event on the Aggregator
func Raise[T, V any](ag *Aggregator[T], typ EventType, value V) error {
	return ag.raise(typ, value, nil)
}

// RaiseMeta behaves like Raise but attaches JSON metadata to the event
func RaiseMeta[T, V any](
	ag *Aggregator[T], typ EventType, value V, meta json.RawMessage,
) error {
	return ag.raise(typ, value, meta)
}
