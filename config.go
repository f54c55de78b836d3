package eventbox

import (
	"time"

	"go.uber.org/zap"
)

type (
	Config struct {
		Logger               *zap.Logger
		Scheduler            Scheduler
		MaxRetries           int
		RetryDelay           time.Duration
		CacheSize            int
		AsyncWorkers         int
		AsyncQueueSize       int
		EnableSnapshotWorker bool
	}

	// SnapshotConfig controls the background snapshot worker attached to a
	// Store when the Eventbox enables it
	SnapshotConfig struct {
		WorkerCount  int
		MaxQueueSize int
		SaveTimeout  time.Duration
	}

	RedisConfig struct {
		Addr      string
		Password  string
		Prefix    string
		DB        int
		Archiving bool
		Snapshot  SnapshotConfig
	}

	PGConfig struct {
		URL         string
		TablePrefix string
		Snapshot    SnapshotConfig
	}

	BoltConfig struct {
		Path     string
		Snapshot SnapshotConfig
	}
)

const (
	DefaultRedisEndpoint       = "localhost:6379"
	DefaultRedisPrefix         = "eventbox"
	DefaultRedisDB             = 0
	DefaultPGTablePrefix       = "eventbox_"
	DefaultSnapshotWorkers     = 4
	DefaultSnapshotQueueSize   = 1024
	DefaultSnapshotSaveTimeout = 30 * time.Second
	DefaultMaxRetries          = 16
	DefaultRetryDelay          = 25 * time.Millisecond
	DefaultExecutorCacheSize   = 128
	DefaultAsyncWorkers        = 4
	DefaultAsyncQueueSize      = 1024
)

func DefaultConfig() Config {
	return Config{
		MaxRetries:           DefaultMaxRetries,
		RetryDelay:           DefaultRetryDelay,
		CacheSize:            DefaultExecutorCacheSize,
		AsyncWorkers:         DefaultAsyncWorkers,
		AsyncQueueSize:       DefaultAsyncQueueSize,
		EnableSnapshotWorker: true,
	}
}

func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		WorkerCount:  DefaultSnapshotWorkers,
		MaxQueueSize: DefaultSnapshotQueueSize,
		SaveTimeout:  DefaultSnapshotSaveTimeout,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     DefaultRedisEndpoint,
		Password: "",
		DB:       DefaultRedisDB,
		Prefix:   DefaultRedisPrefix,
		Snapshot: DefaultSnapshotConfig(),
	}
}

func DefaultPGConfig() PGConfig {
	return PGConfig{
		TablePrefix: DefaultPGTablePrefix,
		Snapshot:    DefaultSnapshotConfig(),
	}
}

func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		Snapshot: DefaultSnapshotConfig(),
	}
}
