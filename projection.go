package eventbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	// Projection maintains a read model from committed events. Name is used
	// for checkpoint tracking and must be unique across projections
	Projection interface {
		Name() string
		Handle(context.Context, *Event) error
	}

	// MemoryCheckpoints is an in-process CheckpointStore, useful for tests
	// and projections that rebuild on startup
	MemoryCheckpoints struct {
		seqs map[string]int64
		mu   sync.RWMutex
	}

	projectionFunc struct {
		fn   func(context.Context, *Event) error
		name string
	}
)

// ErrNoProjections indicates that no projections were provided to run
var ErrNoProjections = errors.New("no projections provided")

// NewProjection wraps a function as a named Projection
func NewProjection(
	name string, fn func(context.Context, *Event) error,
) Projection {
	return &projectionFunc{name: name, fn: fn}
}

func (p *projectionFunc) Name() string {
	return p.name
}

func (p *projectionFunc) Handle(ctx context.Context, ev *Event) error {
	return p.fn(ctx, ev)
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{
		seqs: map[string]int64{},
	}
}

// GetCheckpoint implements CheckpointStore
func (m *MemoryCheckpoints) GetCheckpoint(
	_ context.Context, projection string, id AggregateID,
) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seqs[projection+"\x00"+id.Join(":")], nil
}

// PutCheckpoint implements CheckpointStore
func (m *MemoryCheckpoints) PutCheckpoint(
	_ context.Context, projection string, id AggregateID, nextSeq int64,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[projection+"\x00"+id.Join(":")] = nextSeq
	return nil
}

// CatchUp replays the events committed since the projection's checkpoint
// through its handler, advancing the checkpoint after each event. Delivery
// is at-least-once: a handler may see an event again after a crash between
// handling and checkpointing
func CatchUp(
	ctx context.Context, store Store, cps CheckpointStore, p Projection,
	id AggregateID,
) error {
	fromSeq, err := cps.GetCheckpoint(ctx, p.Name(), id)
	if err != nil {
		return err
	}

	events, err := store.GetEvents(ctx, id, fromSeq)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if ev.Sequence < fromSeq {
			continue
		}
		if err := p.Handle(ctx, ev); err != nil {
			return fmt.Errorf("projection %q: %w", p.Name(), err)
		}
		err := cps.PutCheckpoint(ctx, p.Name(), id, ev.Sequence+1)
		if err != nil {
			return err
		}
	}
	return nil
}

// Rebuild resets the projection's checkpoint and replays the aggregate's
// history from the beginning. A store that has trimmed early history fails
// the replay rather than delivering a partial one
func Rebuild(
	ctx context.Context, store Store, cps CheckpointStore, p Projection,
	id AggregateID,
) error {
	if err := cps.PutCheckpoint(ctx, p.Name(), id, 0); err != nil {
		return err
	}
	return CatchUp(ctx, store, cps, p, id)
}

// RunProjections feeds committed events from the hub to each projection in
// its own goroutine until the context is canceled. The first projection
// error cancels the rest and is returned (fail-fast)
func (eb *Eventbox) RunProjections(
	ctx context.Context, ps ...Projection,
) error {
	if len(ps) == 0 {
		return ErrNoProjections
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(ps))

	for _, p := range ps {
		wg.Add(1)
		go func(p Projection) {
			defer wg.Done()

			consumer := eb.hub.NewConsumer()
			defer func() { _ = consumer.Close() }()

			err := runProjection(ctx, consumer, p)
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("projection %q: %w", p.Name(), err)
			}
		}(p)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			cancel()
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runProjection(
	ctx context.Context, consumer *Consumer, p Projection,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-consumer.Receive():
			if !ok {
				return nil
			}
			if err := p.Handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}
