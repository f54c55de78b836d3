package eventbox

import (
	"context"

	"github.com/kode4food/caravan"
	"go.uber.org/zap"
)

// Eventbox ties together the event hub, the dispatcher, and the scheduler
// that carry committed events to their consumers
type Eventbox struct {
	config     Config
	hub        *EventHub
	dispatcher *Dispatcher
	scheduler  Scheduler
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewEventbox creates a new Eventbox instance with the given configuration
func NewEventbox(cfg Config) (*Eventbox, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewPoolScheduler(
			cfg.AsyncWorkers, cfg.AsyncQueueSize, logger,
		)
	}

	hub := NewEventHub(caravan.NewTopic[*Event]())

	eb := &Eventbox{
		config:    cfg,
		hub:       hub,
		scheduler: scheduler,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	eb.dispatcher = NewDispatcher(hub, scheduler, logger)

	return eb, nil
}

// GetHub returns the EventHub instance
func (eb *Eventbox) GetHub() *EventHub {
	return eb.hub
}

// GetDispatcher returns the Dispatcher that fans out committed events
func (eb *Eventbox) GetDispatcher() *Dispatcher {
	return eb.dispatcher
}

// Context returns the Eventbox's context for cancellation
func (eb *Eventbox) Context() context.Context {
	return eb.ctx
}

// Close gracefully shuts down the Eventbox
func (eb *Eventbox) Close() error {
	eb.cancel()
	eb.scheduler.Stop()
	eb.dispatcher.close()
	return nil
}
