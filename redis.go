package eventbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each aggregate's history in an append-only Redis list.
// Lua scripts make the sequence check and the append a single atomic step,
// and snapshots trim the list down to the events they do not yet cover
type RedisStore struct {
	eb              *Eventbox
	client          *redis.Client
	prefix          string
	appendEventsLua *redis.Script
	getEventsLua    *redis.Script
	putSnapshotLua  *redis.Script
	getSnapshotLua  *redis.Script
	publishArchive  *redis.Script
	consumeArchive  *redis.Script
	hibernator      Hibernator
	worker          *SnapshotWorker
	config          RedisConfig
}

const (
	RedisConnectTimeout = 5 * time.Second

	eventsSuffix      = ":events"
	snapshotValSuffix = ":snapshot:val"
	snapshotSeqSuffix = ":snapshot:seq"
	checkpointSuffix  = ":ckpt:"
)

var (
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")

	// ErrEventsTrimmed reports a read below the snapshot trim offset. The
	// trimmed events are gone from the hot list, so a clipped result would
	// silently skip history
	ErrEventsTrimmed = errors.New("events trimmed below requested sequence")
)

// NewRedisStore creates a Store backed by Redis or Valkey
func (eb *Eventbox) NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(eb.ctx, RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	s := &RedisStore{
		eb:              eb,
		client:          client,
		prefix:          cfg.Prefix,
		appendEventsLua: redis.NewScript(luaAppendEvents),
		getEventsLua:    redis.NewScript(luaGetEvents),
		putSnapshotLua:  redis.NewScript(luaPutSnapshot),
		getSnapshotLua:  redis.NewScript(luaGetSnapshot),
		publishArchive:  redis.NewScript(luaPublishArchive),
		consumeArchive:  redis.NewScript(luaConsumeArchive),
		config:          cfg,
	}

	if eb.config.EnableSnapshotWorker {
		s.worker = NewSnapshotWorker(s, cfg.Snapshot, eb.logger)
	}
	return s, nil
}

// SetHibernator attaches cold storage for aggregates evicted from Redis
func (s *RedisStore) SetHibernator(h Hibernator) {
	s.hibernator = h
}

func (s *RedisStore) Close() error {
	if s.worker != nil {
		s.worker.Stop()
	}
	return s.client.Close()
}

func (s *RedisStore) snapshots() *SnapshotWorker {
	return s.worker
}

func (s *RedisStore) AppendEvents(
	ctx context.Context, id AggregateID, atSeq int64, evs []*Event,
) error {
	if len(evs) == 0 {
		return nil
	}

	keys := []string{
		s.buildKey(id, eventsSuffix),
		s.buildKey(id, snapshotSeqSuffix),
	}
	args := []any{atSeq}

	for _, ev := range evs {
		eventData, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		args = append(args, string(eventData))
	}

	result, err := s.appendEventsLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return ErrUnexpectedLuaResult
	}
	success := res[0].(int64)
	seq := res[1].(int64)

	if success == 0 {
		if len(res) < 3 {
			return ErrUnexpectedLuaResult
		}
		// The script replies with the interleaved events as a nested array
		raw, _ := res[2].([]any)
		return s.versionConflict(id, raw, atSeq, seq)
	}
	return nil
}

func (s *RedisStore) GetEvents(
	ctx context.Context, id AggregateID, fromSeq int64,
) ([]*Event, error) {
	keys := []string{
		s.buildKey(id, eventsSuffix),
		s.buildKey(id, snapshotSeqSuffix),
	}

	result, err := s.getEventsLua.Run(ctx, s.client, keys, fromSeq).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return nil, ErrUnexpectedLuaResult
	}
	offset := res[0].(int64)
	raw, ok := res[1].([]any)
	if !ok {
		return nil, ErrUnexpectedLuaResult
	}

	if offset == 0 && len(raw) == 0 && s.hibernator != nil {
		return s.loadHibernatedEvents(ctx, id, fromSeq)
	}
	if fromSeq < offset {
		return nil, fmt.Errorf("%w: %s wants sequence %d, trimmed through %d",
			ErrEventsTrimmed, id.Join(":"), fromSeq, offset)
	}
	return s.decodeRawEvents(id, raw)
}

func (s *RedisStore) GetSnapshot(
	ctx context.Context, id AggregateID, target any,
) (*SnapshotResult, error) {
	keys := []string{
		s.buildKey(id, snapshotValSuffix),
		s.buildKey(id, snapshotSeqSuffix),
		s.buildKey(id, eventsSuffix),
	}

	result, err := s.getSnapshotLua.Run(ctx, s.client, keys).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 3 {
		return nil, ErrUnexpectedLuaResult
	}

	snapData := res[0].(string)
	snapSeq := res[1].(int64)
	raw, _ := res[2].([]any)

	if snapData == "" && len(raw) == 0 {
		if s.hibernator != nil {
			return s.loadHibernatedSnapshot(ctx, id, target)
		}
		return &SnapshotResult{AdditionalEvents: []*Event{}}, nil
	}

	if snapData != "" {
		if err := json.Unmarshal([]byte(snapData), target); err != nil {
			return nil, err
		}
	}

	events, err := s.decodeRawEvents(id, raw)
	if err != nil {
		return nil, err
	}

	eventsSize := 0
	for _, item := range raw {
		eventsSize += len(item.(string))
	}

	return &SnapshotResult{
		AdditionalEvents: events,
		NextSequence:     snapSeq,
		ShouldSnapshot:   eventsSize > len(snapData),
	}, nil
}

func (s *RedisStore) PutSnapshot(
	ctx context.Context, id AggregateID, value any, sequence int64,
) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	keys := []string{
		s.buildKey(id, snapshotValSuffix),
		s.buildKey(id, snapshotSeqSuffix),
		s.buildKey(id, eventsSuffix),
	}
	_, err = s.putSnapshotLua.Run(
		ctx, s.client, keys, string(data), sequence,
	).Result()
	return err
}

func (s *RedisStore) ListAggregates(
	ctx context.Context, id AggregateID,
) ([]AggregateID, error) {
	str := id.Join(":")
	searchKey := fmt.Sprintf("%s:%s*%s", s.prefix, str, eventsSuffix)

	keys, err := s.client.Keys(ctx, searchKey).Result()
	if err != nil {
		return nil, err
	}

	var ids []AggregateID
	for _, key := range keys {
		trimmed := strings.TrimPrefix(key, s.prefix+":")
		aggregateIDStr := strings.TrimSuffix(trimmed, eventsSuffix)
		ids = append(ids, s.parseAggregateID(aggregateIDStr))
	}

	return ids, nil
}

// GetCheckpoint implements CheckpointStore
func (s *RedisStore) GetCheckpoint(
	ctx context.Context, projection string, id AggregateID,
) (int64, error) {
	key := s.checkpointKey(projection, id)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// PutCheckpoint implements CheckpointStore
func (s *RedisStore) PutCheckpoint(
	ctx context.Context, projection string, id AggregateID, nextSeq int64,
) error {
	key := s.checkpointKey(projection, id)
	return s.client.Set(ctx, key, nextSeq, 0).Err()
}

func (s *RedisStore) checkpointKey(projection string, id AggregateID) string {
	return s.prefix + checkpointSuffix + projection + ":" + id.Join(":")
}

func (s *RedisStore) versionConflict(
	id AggregateID, rawEvents []any, expectedSeq, actualSeq int64,
) error {
	newEvs, err := s.decodeRawEvents(id, rawEvents)
	if err != nil {
		return err
	}

	return &VersionConflictError{
		ExpectedSequence: expectedSeq,
		ActualSequence:   actualSeq,
		NewEvents:        newEvs,
	}
}

func (s *RedisStore) buildKey(id AggregateID, suffix string) string {
	str := id.Join(":")
	return fmt.Sprintf("%s:%s%s", s.prefix, str, suffix)
}

func (s *RedisStore) parseAggregateID(str string) AggregateID {
	return ParseAggregateID(str, ":")
}

func (s *RedisStore) decodeRawEvents(
	id AggregateID, raw []any,
) ([]*Event, error) {
	data := make([][]byte, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		data = append(data, []byte(str))
	}
	return decodeEvents(id, data)
}
