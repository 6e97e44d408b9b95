package instcache

import (
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/instcache/pkg/arena"
)

// Defaults applied by [Options] and [WorkerConfig] for zero fields.
const (
	DefaultSlots                   = 2
	DefaultShards                  = 997
	DefaultPurgeDelay              = 120 * time.Second
	DefaultMaxPostDeletionLifetime = 5 * time.Second
	DefaultPendingBudget           = 1 << 20

	maxShards  = 1 << 20
	maxWorkers = 1 << 16
	maxSlots   = 64
)

// Options configures the master process. They are fixed for the lifetime of
// a segment; the shape-related ones are recorded in the segment header.
type Options struct {
	// MemoryLimit is the arena size of each slot in bytes.
	MemoryLimit uint64

	// Workers is the number of worker ids the acquired table holds.
	Workers int

	// Slots is the number of swappable slots (>= 2). Default 2.
	Slots int

	// Shards is the number of key shards per slot. Default 997.
	Shards int

	// PurgeDelay is how long past its expiry an element survives before
	// purge removes it. Default 120s.
	PurgeDelay time.Duration

	// MaxPostDeletionLifetime caps how long a deleted element remains
	// visible to even-if-expired fetches. Default 5s.
	MaxPostDeletionLifetime time.Duration

	// Now overrides the clock. Default time.Now.
	Now func() time.Time

	// Logger receives diagnostics. Default zap.NewNop.
	Logger *zap.Logger

	// LockObserver, if set, sees every allocator and shard lock transition
	// made through this process's views.
	LockObserver LockObserver
}

func (o Options) withDefaults() Options {
	if o.Slots == 0 {
		o.Slots = DefaultSlots
	}

	if o.Shards == 0 {
		o.Shards = DefaultShards
	}

	if o.PurgeDelay == 0 {
		o.PurgeDelay = DefaultPurgeDelay
	}

	if o.MaxPostDeletionLifetime == 0 {
		o.MaxPostDeletionLifetime = DefaultMaxPostDeletionLifetime
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	return o
}

func (o Options) validate() error {
	switch {
	case o.MemoryLimit < uint64(arena.MinRegionSize):
		return fmt.Errorf("memory limit %d below minimum %d: %w", o.MemoryLimit, arena.MinRegionSize, ErrInvalidOptions)
	case o.MemoryLimit > math.MaxInt64/uint64(maxSlots):
		return fmt.Errorf("memory limit %d too large: %w", o.MemoryLimit, ErrInvalidOptions)
	case o.Workers < 1 || o.Workers > maxWorkers:
		return fmt.Errorf("workers %d outside [1, %d]: %w", o.Workers, maxWorkers, ErrInvalidOptions)
	case o.Slots < 2 || o.Slots > maxSlots:
		return fmt.Errorf("slots %d outside [2, %d]: %w", o.Slots, maxSlots, ErrInvalidOptions)
	case o.Shards < 1 || o.Shards > maxShards:
		return fmt.Errorf("shards %d outside [1, %d]: %w", o.Shards, maxShards, ErrInvalidOptions)
	case o.PurgeDelay < 0 || o.MaxPostDeletionLifetime < 0:
		return fmt.Errorf("negative delay: %w", ErrInvalidOptions)
	}

	return nil
}

// SegmentSize returns the number of bytes a segment for opts needs.
func SegmentSize(opts Options) (int, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return 0, err
	}

	return int(computeLayout(opts.Slots, opts.Workers, opts.Shards, opts.MemoryLimit).total), nil
}

// WorkerConfig configures one worker view.
type WorkerConfig struct {
	// ID is the worker's row in the acquired table, in [0, Workers).
	ID int

	// PID identifies the worker as an inserter and a slot holder. Default
	// os.Getpid. In-process workers sharing a pid should set distinct values.
	PID uint32

	// PendingBudget bounds the estimated bytes of delayed stores. Default
	// 1 MiB.
	PendingBudget uint64

	Now          func() time.Time
	Logger       *zap.Logger
	LockObserver LockObserver
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PID == 0 {
		c.PID = uint32(os.Getpid())
	}

	if c.PendingBudget == 0 {
		c.PendingBudget = DefaultPendingBudget
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return c
}
