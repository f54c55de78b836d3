package eventbox

import (
	"context"
	"errors"
	"time"
)

type (
	// Executor runs Commands against aggregates: it rehydrates the aggregate
	// (cache, then snapshot, then event replay), applies the command, commits
	// the raised events with optimistic concurrency, and fans the committed
	// events out through the Dispatcher
	Executor[T any] struct {
		eb         *Eventbox
		store      Store
		appliers   Appliers[T]
		construct  constructor[T]
		cache      *lruCache[*projection[T]]
		maxRetries int
		retryDelay time.Duration
	}

	// Command mutates an aggregate by raising events on its Aggregator
	Command[T any] func(T, *Aggregator[T]) error

	projection[T any] struct {
		state   T
		nextSeq int64
	}
)

var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

func NewExecutor[T any](
	eb *Eventbox, store Store, apps Appliers[T], cons constructor[T],
) *Executor[T] {
	return &Executor[T]{
		eb:         eb,
		store:      store,
		appliers:   apps,
		construct:  cons,
		cache:      newLRUCache[*projection[T]](eb.config.CacheSize),
		maxRetries: eb.config.MaxRetries,
		retryDelay: eb.config.RetryDelay,
	}
}

func (e *Executor[_]) GetStore() Store {
	return e.store
}

// Exec loads the aggregate, runs the command, and commits the raised events.
// On a version conflict it catches the cached projection up with the
// interleaved events and retries, waiting RetryDelay between attempts, up to
// MaxRetries times. Once the commit succeeds, the events are delivered in
// order to registered projections and synchronous subscribers before Exec
// returns; a failure in that phase is reported even though the events remain
// committed
func (e *Executor[T]) Exec(
	ctx context.Context, id AggregateID, cmd Command[T],
) (T, error) {
	var zero T
	for attempt := range e.maxRetries {
		if attempt > 0 {
			if err := e.waitRetry(ctx); err != nil {
				return zero, err
			}
		}

		proj, err := e.loadProjection(ctx, id)
		if err != nil {
			return zero, err
		}

		ag := newAggregator(id, e.appliers, proj.state, proj.nextSeq)
		if err := cmd(ag.Value(), ag); err != nil {
			return zero, err
		}

		committed := ag.Enqueued()
		count, err := ag.Flush(func(atSeq int64, evs []*Event) error {
			return e.store.AppendEvents(ctx, id, atSeq, evs)
		})
		if err == nil {
			if count == 0 {
				return proj.state, nil
			}
			final := &projection[T]{state: ag.Value(), nextSeq: ag.nextSeq}
			e.updateCache(id, final)
			e.runSuccessActions(ag)
			if err := e.eb.dispatcher.dispatch(ctx, committed); err != nil {
				return final.state, err
			}
			return final.state, nil
		}

		retry, caughtErr := e.handleVersionConflict(err, id, proj)
		if caughtErr != nil {
			return zero, caughtErr
		}
		if !retry {
			return zero, err
		}
	}

	return zero, ErrMaxRetriesExceeded
}

func (e *Executor[_]) waitRetry(ctx context.Context) error {
	if e.retryDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor[T]) runSuccessActions(ag *Aggregator[T]) {
	for _, fn := range ag.success {
		fn(ag.value)
	}
}

func (e *Executor[T]) handleVersionConflict(
	err error, id AggregateID, proj *projection[T],
) (bool, error) {
	var versionErr *VersionConflictError
	if !errors.As(err, &versionErr) {
		return false, nil
	}

	if evs := versionErr.NewEvents; len(evs) > 0 {
		updated, err := e.applyEvents(proj.state, evs)
		if err != nil {
			return false, err
		}
		e.updateCache(id, updated)
	}
	return true, nil
}

func (e *Executor[T]) loadProjection(
	ctx context.Context, id AggregateID,
) (*projection[T], error) {
	key := id.Join(":")
	entry := e.cache.Get(key, func() *projection[T] {
		return &projection[T]{state: e.construct()}
	})
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.value.nextSeq != 0 {
		return entry.value, nil
	}

	return e.loadFromStore(ctx, id, entry)
}

func (e *Executor[T]) loadFromStore(
	ctx context.Context, id AggregateID, entry *cacheEntry[*projection[T]],
) (*projection[T], error) {
	state := e.construct()

	res, err := e.store.GetSnapshot(ctx, id, state)
	if err != nil {
		return nil, err
	}

	proj := &projection[T]{state: state, nextSeq: res.NextSequence}
	if len(res.AdditionalEvents) > 0 {
		proj, err = e.applyEvents(state, res.AdditionalEvents)
		if err != nil {
			return nil, err
		}
	}

	if res.ShouldSnapshot {
		if sw := e.store.snapshots(); sw != nil {
			sw.enqueue(id, proj.state, proj.nextSeq)
		}
	}

	entry.value = proj
	return proj, nil
}

func (e *Executor[T]) applyEvents(
	state T, evs []*Event,
) (*projection[T], error) {
	var err error
	for _, ev := range evs {
		if state, err = e.appliers.Apply(state, ev); err != nil {
			return nil, err
		}
	}
	return &projection[T]{
		state:   state,
		nextSeq: evs[len(evs)-1].Sequence + 1,
	}, nil
}

func (e *Executor[T]) updateCache(id AggregateID, proj *projection[T]) {
	key := id.Join(":")

	entry := e.cache.Get(key, func() *projection[T] { return proj })
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if proj.nextSeq > entry.value.nextSeq {
		entry.value = proj
	}
}

// Invalidate drops the cached projection for an aggregate so the next
// command rehydrates from the store. Needed when the aggregate's history
// changes outside the executor, such as after Hibernate or Archive
func (e *Executor[_]) Invalidate(id AggregateID) {
	e.cache.Remove(id.Join(":"))
}

// SaveSnapshot forces an immediate snapshot save for the given aggregate,
// bypassing the snapshot worker queue
func (e *Executor[T]) SaveSnapshot(ctx context.Context, id AggregateID) error {
	proj, err := e.loadProjection(ctx, id)
	if err != nil {
		return err
	}
	return e.store.PutSnapshot(ctx, id, proj.state, proj.nextSeq)
}
