package eventbox

import (
	"context"
	"encoding/json"
	"errors"

	bolt "go.etcd.io/bbolt"
)

type (
	// Hibernator is cold storage for aggregates that no longer need to live
	// in the hot store. Hibernated aggregates are read back lazily when the
	// store's own keys are empty
	Hibernator interface {
		Get(context.Context, AggregateID) (*HibernateRecord, error)
		Put(context.Context, AggregateID, *HibernateRecord) error
		Delete(context.Context, AggregateID) error
	}

	// HibernateRecord stores the snapshot and event list for an aggregate.
	// Events begin at SnapshotSeq; earlier events are covered by the snapshot
	HibernateRecord struct {
		Events      []json.RawMessage `json:"events"`
		Snapshot    json.RawMessage   `json:"snapshot,omitempty"`
		SnapshotSeq int64             `json:"snapshot_seq"`
	}

	// BoltHibernator keeps hibernated aggregates in an embedded bbolt file
	BoltHibernator struct {
		db *bolt.DB
	}
)

var (
	// ErrNoHibernator indicates no Hibernator was configured on the Store
	ErrNoHibernator = errors.New("no hibernator configured")

	// ErrHibernateNotFound indicates a hibernated aggregate was not found
	ErrHibernateNotFound = errors.New("hibernated aggregate not found")

	boltHibernateBucket = []byte("hibernate")
)

// Hibernate archives the aggregate by storing its snapshot and event log
// through the configured Hibernator, then removing the Redis keys
func (s *RedisStore) Hibernate(ctx context.Context, id AggregateID) error {
	if s.hibernator == nil {
		return ErrNoHibernator
	}

	snapKey := s.buildKey(id, snapshotValSuffix)
	snapSeqKey := s.buildKey(id, snapshotSeqSuffix)
	eventsKey := s.buildKey(id, eventsSuffix)
	keys := []string{snapKey, snapSeqKey, eventsKey}

	result, err := s.getSnapshotLua.Run(ctx, s.client, keys).Result()
	if err != nil {
		return err
	}

	record, err := buildHibernateRecord(result)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	if err := s.hibernator.Put(ctx, id, record); err != nil {
		return err
	}

	return s.client.Del(ctx, eventsKey, snapKey, snapSeqKey).Err()
}

func (s *RedisStore) loadHibernatedEvents(
	ctx context.Context, id AggregateID, fromSeq int64,
) ([]*Event, error) {
	record, err := s.hibernator.Get(ctx, id)
	if errors.Is(err, ErrHibernateNotFound) {
		return []*Event{}, nil
	}
	if err != nil {
		return nil, err
	}

	events, err := decodeRecordEvents(id, record)
	if err != nil {
		return nil, err
	}

	filtered := make([]*Event, 0, len(events))
	for _, ev := range events {
		if ev.Sequence >= fromSeq {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

func (s *RedisStore) loadHibernatedSnapshot(
	ctx context.Context, id AggregateID, target any,
) (*SnapshotResult, error) {
	record, err := s.hibernator.Get(ctx, id)
	if errors.Is(err, ErrHibernateNotFound) {
		return &SnapshotResult{AdditionalEvents: []*Event{}}, nil
	}
	if err != nil {
		return nil, err
	}

	if len(record.Snapshot) > 0 {
		if err := json.Unmarshal(record.Snapshot, target); err != nil {
			return nil, err
		}
	}

	events, err := decodeRecordEvents(id, record)
	if err != nil {
		return nil, err
	}

	eventsSize := 0
	for _, ev := range record.Events {
		eventsSize += len(ev)
	}

	return &SnapshotResult{
		AdditionalEvents: events,
		NextSequence:     record.SnapshotSeq,
		ShouldSnapshot:   eventsSize > len(record.Snapshot),
	}, nil
}

func buildHibernateRecord(result any) (*HibernateRecord, error) {
	res, ok := result.([]any)
	if !ok || len(res) < 3 {
		return nil, ErrUnexpectedLuaResult
	}

	snapData := res[0].(string)
	snapSeq := res[1].(int64)
	raw, _ := res[2].([]any)

	if snapData == "" && len(raw) == 0 {
		return nil, nil
	}

	record := &HibernateRecord{
		Events:      make([]json.RawMessage, 0, len(raw)),
		SnapshotSeq: snapSeq,
	}
	if snapData != "" {
		record.Snapshot = json.RawMessage(snapData)
	}
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		record.Events = append(record.Events, json.RawMessage(str))
	}
	return record, nil
}

func decodeRecordEvents(
	id AggregateID, record *HibernateRecord,
) ([]*Event, error) {
	data := make([][]byte, 0, len(record.Events))
	for _, raw := range record.Events {
		data = append(data, []byte(raw))
	}
	return decodeEvents(id, data)
}

// NewBoltHibernator opens (or creates) a bbolt file for hibernated
// aggregates
func NewBoltHibernator(path string) (*BoltHibernator, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltHibernateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltHibernator{db: db}, nil
}

func (h *BoltHibernator) Close() error {
	return h.db.Close()
}

func (h *BoltHibernator) Get(
	_ context.Context, id AggregateID,
) (*HibernateRecord, error) {
	key := []byte(id.Join(":"))

	var record *HibernateRecord
	err := h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltHibernateBucket).Get(key)
		if data == nil {
			return ErrHibernateNotFound
		}
		record = &HibernateRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (h *BoltHibernator) Put(
	_ context.Context, id AggregateID, record *HibernateRecord,
) error {
	key := []byte(id.Join(":"))

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltHibernateBucket).Put(key, data)
	})
}

func (h *BoltHibernator) Delete(_ context.Context, id AggregateID) error {
	key := []byte(id.Join(":"))

	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltHibernateBucket).Delete(key)
	})
}
