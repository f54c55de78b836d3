package eventbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/kode4food/caravan/topic"
	"go.uber.org/zap"
)

// Dispatcher fans committed events out in two phases. The synchronous phase
// delivers each event, in sequence order, to every registered projection and
// synchronous subscriber; the first error stops the phase and is reported to
// the caller. The asynchronous phase hands each event to the Scheduler with
// best-effort semantics: delivery order is not guaranteed, failures are
// logged, and a full queue drops the job. Committed events are also published
// to the EventHub regardless of registrations
type Dispatcher struct {
	scheduler   Scheduler
	producer    topic.Producer[*Event]
	logger      *zap.Logger
	projections []Projection
	syncSubs    []Handler
	asyncSubs   []Handler
	mu          sync.RWMutex
}

func NewDispatcher(
	hub *EventHub, scheduler Scheduler, logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		scheduler: scheduler,
		producer:  hub.newProducer(),
		logger:    logger,
	}
}

// RegisterProjection adds a read-model projection to the synchronous phase
func (d *Dispatcher) RegisterProjection(p Projection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.projections = append(d.projections, p)
}

// Subscribe adds a synchronous subscriber; it runs in-order before the
// originating command completes
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncSubs = append(d.syncSubs, h)
}

// SubscribeAsync adds an asynchronous subscriber; it runs out-of-order on
// the Scheduler after the originating command completes
func (d *Dispatcher) SubscribeAsync(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asyncSubs = append(d.asyncSubs, h)
}

func (d *Dispatcher) dispatch(ctx context.Context, evs []*Event) error {
	d.mu.RLock()
	projections := d.projections
	syncSubs := d.syncSubs
	asyncSubs := d.asyncSubs
	d.mu.RUnlock()

	for _, ev := range evs {
		for _, p := range projections {
			if err := p.Handle(ctx, ev); err != nil {
				return fmt.Errorf("projection %q: %w", p.Name(), err)
			}
		}
		for _, h := range syncSubs {
			if err := h(ev); err != nil {
				return err
			}
		}
	}

	for _, ev := range evs {
		d.producer.Send() <- ev
		for _, h := range asyncSubs {
			d.enqueueAsync(ev, h)
		}
	}

	return nil
}

func (d *Dispatcher) enqueueAsync(ev *Event, h Handler) {
	ok := d.scheduler.Enqueue(func(context.Context) error {
		return h(ev)
	})
	if !ok {
		d.logger.Warn("scheduler queue full, dropping event",
			zap.String("aggregate_id", ev.AggregateID.Join(":")),
			zap.String("event_type", string(ev.Type)),
			zap.Int64("sequence", ev.Sequence),
		)
	}
}

func (d *Dispatcher) close() {
	if d.producer != nil {
		d.producer.Close()
	}
}
