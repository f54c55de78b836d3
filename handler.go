package eventbox

import (
	"encoding/json"
	"fmt"
)

type Handler func(*Event) error

// MakeHandler adapts a typed handler into a Handler, decoding the event's
// JSON payload first. Decode failures carry the event's identity so a bad
// payload can be traced back to its commit
func MakeHandler[T any](fn func(ev *Event, data T) error) Handler {
	return func(ev *Event) error {
		var data T
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf(
				"decoding %s event %s: %w", ev.Type, ev.EventID, err,
			)
		}
		return fn(ev, data)
	}
}

// MakeMetaHandler behaves like MakeHandler but also decodes the event's
// metadata, for handlers that need the context recorded via RaiseMeta. Events
// without metadata hand the handler a zero Meta
func MakeMetaHandler[T, Meta any](
	fn func(ev *Event, data T, meta Meta) error,
) Handler {
	return func(ev *Event) error {
		var data T
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf(
				"decoding %s event %s: %w", ev.Type, ev.EventID, err,
			)
		}
		var meta Meta
		if len(ev.Metadata) > 0 {
			if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
				return fmt.Errorf(
					"decoding %s event %s metadata: %w",
					ev.Type, ev.EventID, err,
				)
			}
		}
		return fn(ev, data, meta)
	}
}

// MakeDispatcher routes events to a Handler by type. Events with no
// registered handler are skipped
func MakeDispatcher(handlers map[EventType]Handler) Handler {
	return func(ev *Event) error {
		if fn, ok := handlers[ev.Type]; ok {
			return fn(ev)
		}
		return nil
	}
}
