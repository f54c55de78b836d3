package eventbox

import (
	"sync"

	"github.com/kode4food/caravan/topic"
)

type (
	// EventHub is an in-process pub/sub of committed events. Consumers filter
	// by event type and/or aggregate prefix
	EventHub struct {
		inner topic.Topic[*Event]
	}

	// Consumer receives events matching its interests
	Consumer struct {
		inner     topic.Consumer[*Event]
		interests *interests
		filtered  <-chan *Event
		once      sync.Once
		closeOnce sync.Once
	}

	// interests describes what events a consumer is interested in
	interests struct {
		eventTypes map[EventType]bool // empty = all event types
		prefix     AggregateID        // nil = all aggregates
	}
)

// NewEventHub creates an EventHub over the provided topic
func NewEventHub(inner topic.Topic[*Event]) *EventHub {
	return &EventHub{inner: inner}
}

// NewConsumer creates a consumer interested in specific event types. If no
// event types are specified, the consumer receives all events
func (eh *EventHub) NewConsumer(eventTypes ...EventType) *Consumer {
	return eh.newConsumer(&interests{
		eventTypes: typeSet(eventTypes),
	})
}

// NewAggregateConsumer creates a consumer interested in events from
// aggregates matching the provided prefix. If no event types are specified,
// the consumer receives all events for aggregates matching the prefix
func (eh *EventHub) NewAggregateConsumer(
	prefix AggregateID, eventTypes ...EventType,
) *Consumer {
	return eh.newConsumer(&interests{
		eventTypes: typeSet(eventTypes),
		prefix:     normalizePrefix(prefix),
	})
}

func (eh *EventHub) newConsumer(i *interests) *Consumer {
	return &Consumer{
		inner:     eh.inner.NewConsumer(),
		interests: i,
	}
}

// newProducer returns a producer on the underlying topic
func (eh *EventHub) newProducer() topic.Producer[*Event] {
	return eh.inner.NewProducer()
}

// Receive returns a channel of events filtered by the consumer's interests
func (c *Consumer) Receive() <-chan *Event {
	c.once.Do(func() {
		filtered := make(chan *Event, 1)

		go func() {
			defer close(filtered)
			for ev := range c.inner.Receive() {
				if c.matches(ev) {
					filtered <- ev
				}
			}
		}()

		c.filtered = filtered
	})

	return c.filtered
}

// Close releases the consumer's subscription
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.inner.Close()
	})
	return nil
}

// matches checks if an event matches the consumer's interests
func (c *Consumer) matches(ev *Event) bool {
	if c.interests.prefix != nil &&
		!ev.AggregateID.HasPrefix(c.interests.prefix) {
		return false
	}

	if len(c.interests.eventTypes) > 0 &&
		!c.interests.eventTypes[ev.Type] {
		return false
	}

	return true
}

func typeSet(eventTypes []EventType) map[EventType]bool {
	if len(eventTypes) == 0 {
		return nil
	}
	set := make(map[EventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		set[et] = true
	}
	return set
}

func normalizePrefix(prefix AggregateID) AggregateID {
	if len(prefix) == 0 {
		return nil
	}
	return prefix
}
