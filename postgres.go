package eventbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps each aggregate's history in a PostgreSQL events table. The
// unique (stream, sequence) constraint is the optimistic concurrency guard:
// a stale append either fails the in-transaction sequence check or trips a
// unique violation, and both surface as *VersionConflictError with the
// interleaved events attached
type PGStore struct {
	eb     *Eventbox
	pool   *pgxpool.Pool
	worker *SnapshotWorker
	config PGConfig
}

const pgUniqueViolation = "23505"

// PGSchema returns the DDL for the tables a PGStore requires, using the
// provided table prefix
func PGSchema(prefix string) string {
	return strings.Join(pgSchemaStatements(prefix), "\n")
}

func pgSchemaStatements(prefix string) []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %sevents (
	global_position BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	stream          TEXT        NOT NULL,
	sequence        BIGINT      NOT NULL,
	event_id        UUID        NOT NULL,
	event_type      TEXT        NOT NULL,
	data            JSONB       NOT NULL,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (stream, sequence)
);`, prefix),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %ssnapshots (
	stream     TEXT        NOT NULL PRIMARY KEY,
	sequence   BIGINT      NOT NULL,
	data       JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`, prefix),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %scheckpoints (
	projection    TEXT   NOT NULL,
	stream        TEXT   NOT NULL,
	next_sequence BIGINT NOT NULL,
	PRIMARY KEY (projection, stream)
);`, prefix),
	}
}

// NewPGStore creates a Store backed by PostgreSQL
func (eb *Eventbox) NewPGStore(cfg PGConfig) (*PGStore, error) {
	pool, err := pgxpool.New(eb.ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(eb.ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PGStore{
		eb:     eb,
		pool:   pool,
		config: cfg,
	}

	if eb.config.EnableSnapshotWorker {
		s.worker = NewSnapshotWorker(s, cfg.Snapshot, eb.logger)
	}
	return s, nil
}

// Migrate creates the store's tables if they do not exist
func (s *PGStore) Migrate(ctx context.Context) error {
	for _, stmt := range pgSchemaStatements(s.config.TablePrefix) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) Close() error {
	if s.worker != nil {
		s.worker.Stop()
	}
	s.pool.Close()
	return nil
}

func (s *PGStore) snapshots() *SnapshotWorker {
	return s.worker
}

func (s *PGStore) AppendEvents(
	ctx context.Context, id AggregateID, atSeq int64, evs []*Event,
) error {
	if len(evs) == 0 {
		return nil
	}
	stream := id.Join(":")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := s.nextSequence(ctx, tx, stream)
	if err != nil {
		return err
	}
	if current != atSeq {
		return s.versionConflict(ctx, id, atSeq, current)
	}

	insert := fmt.Sprintf(`
		INSERT INTO %sevents
			(stream, sequence, event_id, event_type, data, metadata,
			 created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.config.TablePrefix)

	batch := &pgx.Batch{}
	for i, ev := range evs {
		batch.Queue(insert,
			stream,
			atSeq+int64(i),
			ev.EventID.String(),
			string(ev.Type),
			ev.Data,
			ev.Metadata,
			ev.Timestamp,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isPGUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return s.conflictCatchUp(ctx, id, atSeq)
		}
		return fmt.Errorf("failed to insert events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isPGUniqueViolation(err) {
			return s.conflictCatchUp(ctx, id, atSeq)
		}
		return err
	}
	return nil
}

func (s *PGStore) GetEvents(
	ctx context.Context, id AggregateID, fromSeq int64,
) ([]*Event, error) {
	query := fmt.Sprintf(`
		SELECT sequence, event_id::text, event_type, data, metadata,
		       created_at
		FROM %sevents
		WHERE stream = $1 AND sequence >= $2
		ORDER BY sequence
	`, s.config.TablePrefix)

	rows, err := s.pool.Query(ctx, query, id.Join(":"), fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanEvents(id, rows)
}

func (s *PGStore) GetSnapshot(
	ctx context.Context, id AggregateID, target any,
) (*SnapshotResult, error) {
	stream := id.Join(":")

	var (
		snapData json.RawMessage
		snapSeq  int64
	)
	query := fmt.Sprintf(`
		SELECT data, sequence FROM %ssnapshots WHERE stream = $1
	`, s.config.TablePrefix)

	err := s.pool.QueryRow(ctx, query, stream).Scan(&snapData, &snapSeq)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if len(snapData) > 0 {
		if err := json.Unmarshal(snapData, target); err != nil {
			return nil, err
		}
	}

	events, err := s.GetEvents(ctx, id, snapSeq)
	if err != nil {
		return nil, err
	}

	eventsSize := 0
	for _, ev := range events {
		eventsSize += len(ev.Data)
	}

	return &SnapshotResult{
		AdditionalEvents: events,
		NextSequence:     snapSeq,
		ShouldSnapshot:   eventsSize > len(snapData),
	}, nil
}

func (s *PGStore) PutSnapshot(
	ctx context.Context, id AggregateID, value any, sequence int64,
) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]ssnapshots (stream, sequence, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream) DO UPDATE
			SET sequence = excluded.sequence,
			    data = excluded.data,
			    updated_at = excluded.updated_at
			WHERE excluded.sequence > %[1]ssnapshots.sequence
	`, s.config.TablePrefix)

	_, err = s.pool.Exec(
		ctx, query, id.Join(":"), sequence, data, time.Now(),
	)
	return err
}

func (s *PGStore) ListAggregates(
	ctx context.Context, id AggregateID,
) ([]AggregateID, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT stream FROM %sevents
		WHERE stream LIKE $1 ORDER BY stream
	`, s.config.TablePrefix)

	rows, err := s.pool.Query(ctx, query, id.Join(":")+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []AggregateID
	for rows.Next() {
		var stream string
		if err := rows.Scan(&stream); err != nil {
			return nil, err
		}
		ids = append(ids, ParseAggregateID(stream, ":"))
	}
	return ids, rows.Err()
}

// GetCheckpoint implements CheckpointStore
func (s *PGStore) GetCheckpoint(
	ctx context.Context, projection string, id AggregateID,
) (int64, error) {
	query := fmt.Sprintf(`
		SELECT next_sequence FROM %scheckpoints
		WHERE projection = $1 AND stream = $2
	`, s.config.TablePrefix)

	var nextSeq int64
	err := s.pool.QueryRow(
		ctx, query, projection, id.Join(":"),
	).Scan(&nextSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return nextSeq, nil
}

// PutCheckpoint implements CheckpointStore
func (s *PGStore) PutCheckpoint(
	ctx context.Context, projection string, id AggregateID, nextSeq int64,
) error {
	query := fmt.Sprintf(`
		INSERT INTO %scheckpoints (projection, stream, next_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection, stream) DO UPDATE
			SET next_sequence = excluded.next_sequence
	`, s.config.TablePrefix)

	_, err := s.pool.Exec(ctx, query, projection, id.Join(":"), nextSeq)
	return err
}

func (s *PGStore) nextSequence(
	ctx context.Context, tx pgx.Tx, stream string,
) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(sequence) + 1, 0) FROM %sevents
		WHERE stream = $1
	`, s.config.TablePrefix)

	var next int64
	if err := tx.QueryRow(ctx, query, stream).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// conflictCatchUp re-reads the aggregate after a unique violation so the
// conflict error carries the interleaved events
func (s *PGStore) conflictCatchUp(
	ctx context.Context, id AggregateID, expectedSeq int64,
) error {
	newEvs, err := s.GetEvents(ctx, id, expectedSeq)
	if err != nil {
		return err
	}

	actual := expectedSeq
	if len(newEvs) > 0 {
		actual = newEvs[len(newEvs)-1].Sequence + 1
	}
	return &VersionConflictError{
		ExpectedSequence: expectedSeq,
		ActualSequence:   actual,
		NewEvents:        newEvs,
	}
}

func (s *PGStore) versionConflict(
	ctx context.Context, id AggregateID, expectedSeq, actualSeq int64,
) error {
	if expectedSeq > actualSeq {
		return &VersionConflictError{
			ExpectedSequence: expectedSeq,
			ActualSequence:   actualSeq,
			NewEvents:        []*Event{},
		}
	}

	newEvs, err := s.GetEvents(ctx, id, expectedSeq)
	if err != nil {
		return err
	}
	return &VersionConflictError{
		ExpectedSequence: expectedSeq,
		ActualSequence:   actualSeq,
		NewEvents:        newEvs,
	}
}

func (s *PGStore) scanEvents(id AggregateID, rows pgx.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var (
			ev      = &Event{AggregateID: id}
			eventID string
			typ     string
		)
		err := rows.Scan(
			&ev.Sequence, &eventID, &typ, &ev.Data, &ev.Metadata,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(eventID)
		if err != nil {
			return nil, err
		}
		ev.EventID = parsed
		ev.Type = EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
