package eventbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps aggregate histories in an embedded bbolt database: one
// nested bucket per aggregate, keyed by big-endian sequence. bbolt serializes
// writers, so the compare-and-swap check inside the update transaction is
// exact and conflicts always carry the interleaved events
type BoltStore struct {
	eb     *Eventbox
	db     *bolt.DB
	worker *SnapshotWorker
	config BoltConfig
}

type boltSnapshot struct {
	Data     json.RawMessage `json:"data"`
	Sequence int64           `json:"sequence"`
}

var (
	boltEventsBucket      = []byte("events")
	boltSnapshotsBucket   = []byte("snapshots")
	boltCheckpointsBucket = []byte("checkpoints")
)

// NewBoltStore creates a Store backed by an embedded bbolt database
func (eb *Eventbox) NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	db, err := bolt.Open(cfg.Path, 0o600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			boltEventsBucket, boltSnapshotsBucket, boltCheckpointsBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		eb:     eb,
		db:     db,
		config: cfg,
	}

	if eb.config.EnableSnapshotWorker {
		s.worker = NewSnapshotWorker(s, cfg.Snapshot, eb.logger)
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	if s.worker != nil {
		s.worker.Stop()
	}
	return s.db.Close()
}

func (s *BoltStore) snapshots() *SnapshotWorker {
	return s.worker
}

func (s *BoltStore) AppendEvents(
	_ context.Context, id AggregateID, atSeq int64, evs []*Event,
) error {
	if len(evs) == 0 {
		return nil
	}
	stream := []byte(id.Join(":"))

	encoded, err := encodeEvents(evs)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket(boltEventsBucket).
			CreateBucketIfNotExists(stream)
		if err != nil {
			return err
		}

		current := boltNextSeq(bkt)
		if current != atSeq {
			newEvs, err := boltReadEvents(bkt, id, atSeq)
			if err != nil {
				return err
			}
			return &VersionConflictError{
				ExpectedSequence: atSeq,
				ActualSequence:   current,
				NewEvents:        newEvs,
			}
		}

		for i, data := range encoded {
			if err := bkt.Put(boltSeqKey(atSeq+int64(i)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetEvents(
	_ context.Context, id AggregateID, fromSeq int64,
) ([]*Event, error) {
	stream := []byte(id.Join(":"))

	var events []*Event
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltEventsBucket).Bucket(stream)
		if bkt == nil {
			return nil
		}
		var err error
		events, err = boltReadEvents(bkt, id, fromSeq)
		return err
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*Event{}
	}
	return events, nil
}

func (s *BoltStore) GetSnapshot(
	_ context.Context, id AggregateID, target any,
) (*SnapshotResult, error) {
	stream := []byte(id.Join(":"))

	res := &SnapshotResult{AdditionalEvents: []*Event{}}
	err := s.db.View(func(tx *bolt.Tx) error {
		snapSize := 0
		if data := tx.Bucket(boltSnapshotsBucket).Get(stream); data != nil {
			var snap boltSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return err
			}
			if len(snap.Data) > 0 {
				if err := json.Unmarshal(snap.Data, target); err != nil {
					return err
				}
			}
			res.NextSequence = snap.Sequence
			snapSize = len(snap.Data)
		}

		bkt := tx.Bucket(boltEventsBucket).Bucket(stream)
		if bkt == nil {
			return nil
		}
		events, err := boltReadEvents(bkt, id, res.NextSequence)
		if err != nil {
			return err
		}
		res.AdditionalEvents = events

		eventsSize := 0
		for _, ev := range events {
			eventsSize += len(ev.Data)
		}
		res.ShouldSnapshot = eventsSize > snapSize
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *BoltStore) PutSnapshot(
	_ context.Context, id AggregateID, value any, sequence int64,
) error {
	stream := []byte(id.Join(":"))

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	record, err := json.Marshal(boltSnapshot{
		Data:     data,
		Sequence: sequence,
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltSnapshotsBucket)
		if existing := bkt.Get(stream); existing != nil {
			var snap boltSnapshot
			if err := json.Unmarshal(existing, &snap); err != nil {
				return err
			}
			if sequence <= snap.Sequence {
				return nil
			}
		}
		return bkt.Put(stream, record)
	})
}

func (s *BoltStore) ListAggregates(
	_ context.Context, id AggregateID,
) ([]AggregateID, error) {
	prefix := id.Join(":")

	var ids []AggregateID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltEventsBucket).ForEachBucket(func(k []byte) error {
			stream := string(k)
			if strings.HasPrefix(stream, prefix) {
				ids = append(ids, ParseAggregateID(stream, ":"))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetCheckpoint implements CheckpointStore
func (s *BoltStore) GetCheckpoint(
	_ context.Context, projection string, id AggregateID,
) (int64, error) {
	key := boltCheckpointKey(projection, id)

	var nextSeq int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltCheckpointsBucket).Get(key); v != nil {
			nextSeq = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return nextSeq, err
}

// PutCheckpoint implements CheckpointStore
func (s *BoltStore) PutCheckpoint(
	_ context.Context, projection string, id AggregateID, nextSeq int64,
) error {
	key := boltCheckpointKey(projection, id)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltCheckpointsBucket).
			Put(key, boltSeqKey(nextSeq))
	})
}

func boltCheckpointKey(projection string, id AggregateID) []byte {
	return []byte(projection + "\x00" + id.Join(":"))
}

func boltSeqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func boltNextSeq(bkt *bolt.Bucket) int64 {
	last, _ := bkt.Cursor().Last()
	if last == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(last)) + 1
}

func boltReadEvents(
	bkt *bolt.Bucket, id AggregateID, fromSeq int64,
) ([]*Event, error) {
	var data [][]byte
	c := bkt.Cursor()
	for k, v := c.Seek(boltSeqKey(fromSeq)); k != nil; k, v = c.Next() {
		buf := make([]byte, len(v))
		copy(buf, v)
		data = append(data, buf)
	}
	return decodeEvents(id, data)
}
