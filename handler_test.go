package eventbox_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kode4food/eventbox"
)

func TestMakeHandler(t *testing.T) {
	t.Run("successfully unmarshals and calls handler", func(t *testing.T) {
		type TestData struct {
			Name  string `json:"name"`
			Value int    `json:"value"`
		}

		var called bool
		var receivedData TestData
		var receivedEvent *eventbox.Event

		handler := eventbox.MakeHandler(
			func(ev *eventbox.Event, data TestData) error {
				called = true
				receivedData = data
				receivedEvent = ev
				return nil
			},
		)

		data := TestData{Name: "test", Value: 42}
		jsonData, _ := json.Marshal(data)
		event := &eventbox.Event{
			Type: "test.event",
			Data: jsonData,
		}

		err := handler(event)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}

		if !called {
			t.Fatal("handler was not called")
		}

		if receivedData.Name != "test" || receivedData.Value != 42 {
			t.Errorf("expected data {Name: test, Value: 42}, got: %+v",
				receivedData)
		}

		if receivedEvent != event {
			t.Error("received event does not match original event")
		}
	})

	t.Run("returns error on invalid JSON", func(t *testing.T) {
		type TestData struct {
			Name string `json:"name"`
		}

		var called bool
		handler := eventbox.MakeHandler(
			func(ev *eventbox.Event, data TestData) error {
				called = true
				return nil
			},
		)

		event := &eventbox.Event{
			Type: "test.event",
			Data: json.RawMessage(`{invalid`),
		}

		if err := handler(event); err == nil {
			t.Fatal("expected an error for invalid JSON")
		}

		if called {
			t.Error("handler should not be called on invalid JSON")
		}
	})

	t.Run("propagates handler errors", func(t *testing.T) {
		wantErr := errors.New("handler failed")
		handler := eventbox.MakeHandler(
			func(ev *eventbox.Event, data struct{}) error {
				return wantErr
			},
		)

		event := &eventbox.Event{
			Type: "test.event",
			Data: json.RawMessage(`{}`),
		}

		if err := handler(event); !errors.Is(err, wantErr) {
			t.Errorf("expected handler error, got: %v", err)
		}
	})
}

func TestMakeMetaHandler(t *testing.T) {
	type TestData struct {
		Name string `json:"name"`
	}

	type TestMeta struct {
		Actor string `json:"actor"`
	}

	t.Run("decodes payload and metadata", func(t *testing.T) {
		var receivedData TestData
		var receivedMeta TestMeta

		handler := eventbox.MakeMetaHandler(
			func(ev *eventbox.Event, data TestData, meta TestMeta) error {
				receivedData = data
				receivedMeta = meta
				return nil
			},
		)

		event := &eventbox.Event{
			Type:     "test.event",
			Data:     json.RawMessage(`{"name":"widget"}`),
			Metadata: json.RawMessage(`{"actor":"alice"}`),
		}

		if err := handler(event); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}

		if receivedData.Name != "widget" {
			t.Errorf("expected data name widget, got: %+v", receivedData)
		}

		if receivedMeta.Actor != "alice" {
			t.Errorf("expected meta actor alice, got: %+v", receivedMeta)
		}
	})

	t.Run("passes zero metadata when absent", func(t *testing.T) {
		var receivedMeta TestMeta

		handler := eventbox.MakeMetaHandler(
			func(ev *eventbox.Event, data TestData, meta TestMeta) error {
				receivedMeta = meta
				return nil
			},
		)

		event := &eventbox.Event{
			Type: "test.event",
			Data: json.RawMessage(`{"name":"widget"}`),
		}

		if err := handler(event); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}

		if receivedMeta.Actor != "" {
			t.Errorf("expected zero metadata, got: %+v", receivedMeta)
		}
	})

	t.Run("returns error on invalid metadata", func(t *testing.T) {
		var called bool

		handler := eventbox.MakeMetaHandler(
			func(ev *eventbox.Event, data TestData, meta TestMeta) error {
				called = true
				return nil
			},
		)

		event := &eventbox.Event{
			Type:     "test.event",
			Data:     json.RawMessage(`{"name":"widget"}`),
			Metadata: json.RawMessage(`{invalid`),
		}

		if err := handler(event); err == nil {
			t.Fatal("expected an error for invalid metadata")
		}

		if called {
			t.Error("handler should not be called on invalid metadata")
		}
	})
}

func TestMakeDispatcher(t *testing.T) {
	var incremented, decremented int

	dispatch := eventbox.MakeDispatcher(map[eventbox.EventType]eventbox.Handler{
		EventIncremented: func(ev *eventbox.Event) error {
			incremented++
			return nil
		},
		EventDecremented: func(ev *eventbox.Event) error {
			decremented++
			return nil
		},
	})

	events := []*eventbox.Event{
		{Type: EventIncremented},
		{Type: EventIncremented},
		{Type: EventDecremented},
		{Type: "unknown"},
	}

	for _, ev := range events {
		if err := dispatch(ev); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
	}

	if incremented != 2 || decremented != 1 {
		t.Errorf("expected 2 increments and 1 decrement, got: %d/%d",
			incremented, decremented)
	}
}
