package eventbox

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Store is an append-only event log partitioned by aggregate identity
	// and ordered by a per-aggregate sequence number. AppendEvents is a
	// compare-and-swap on the aggregate's next sequence: a stale expectation
	// fails with *VersionConflictError
	Store interface {
		AppendEvents(context.Context, AggregateID, int64, []*Event) error
		GetEvents(context.Context, AggregateID, int64) ([]*Event, error)
		GetSnapshot(context.Context, AggregateID, any) (*SnapshotResult, error)
		PutSnapshot(context.Context, AggregateID, any, int64) error
		ListAggregates(context.Context, AggregateID) ([]AggregateID, error)
		Close() error

		snapshots() *SnapshotWorker
	}

	// CheckpointStore records the next sequence a projection has yet to see
	// for an aggregate. All bundled Store backends also implement it
	CheckpointStore interface {
		GetCheckpoint(context.Context, string, AggregateID) (int64, error)
		PutCheckpoint(context.Context, string, AggregateID, int64) error
	}

	// VersionConflictError reports that an append raced a concurrent commit.
	// NewEvents carries the interleaved events when the backend can supply
	// them, letting callers catch up without a re-read
	VersionConflictError struct {
		NewEvents        []*Event
		ExpectedSequence int64
		ActualSequence   int64
	}

	// SnapshotResult is the outcome of rehydrating an aggregate: the target
	// has been populated from the snapshot (if any), AdditionalEvents are the
	// events committed since, and ShouldSnapshot hints that replay has grown
	// more expensive than the snapshot itself
	SnapshotResult struct {
		AdditionalEvents []*Event
		NextSequence     int64
		ShouldSnapshot   bool
	}
)

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict: expected sequence %d, but at %d (%d new events)",
		e.ExpectedSequence, e.ActualSequence, len(e.NewEvents),
	)
}

func decodeEvents(id AggregateID, data [][]byte) ([]*Event, error) {
	events := make([]*Event, 0, len(data))
	for _, item := range data {
		ev := &Event{}
		if err := json.Unmarshal(item, ev); err != nil {
			return nil, err
		}
		if ev.AggregateID == nil {
			ev.AggregateID = id
		}
		events = append(events, ev)
	}
	return events, nil
}

func encodeEvents(evs []*Event) ([][]byte, error) {
	data := make([][]byte, 0, len(evs))
	for _, ev := range evs {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		data = append(data, b)
	}
	return data, nil
}
