package eventbox

import (
	"encoding/json"
	"fmt"
)

type (
	// Applier folds a single event into aggregate state. A returned error
	// aborts the fold, surfacing corrupt or unexpected event data instead of
	// applying a partial update
	Applier[T any] func(T, *Event) (T, error)

	// Appliers maps event types to the Applier that folds them
	Appliers[T any] map[EventType]Applier[T]
)

// Apply folds ev into state. Events with no registered applier leave the
// state untouched
func (m Appliers[T]) Apply(state T, ev *Event) (T, error) {
	apply, ok := m[ev.Type]
	if !ok {
		return state, nil
	}
	next, err := apply(state, ev)
	if err != nil {
		return state, fmt.Errorf(
			"applying %s at sequence %d: %w", ev.Type, ev.Sequence, err,
		)
	}
	return next, nil
}

// MakeApplier adapts a typed fold function into an Applier, decoding the
// event's JSON payload into Data first
func MakeApplier[T, Data any](fn func(T, *Event, Data) T) Applier[T] {
	return func(val T, ev *Event) (T, error) {
		var data Data
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return val, err
		}
		return fn(val, ev, data), nil
	}
}
