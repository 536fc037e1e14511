// Package config holds the servent's tunables, backed by an
// atomically-swappable global so the rest of the code can read it without
// plumbing a context value through every call.
package config

import (
	"sync/atomic"
	"time"
)

// Config collects every tunable the servent's components read from.
type Config struct {
	// MaxNeighbours is the capacity of the neighbour set.
	MaxNeighbours int

	// MinNeighbours is the floor the neighbour manager tries to keep the
	// set above, triggering repair/recursive join below it.
	MinNeighbours int

	// JoinChance is the probability (0-1) with which a non-rescue JOIN is
	// accepted when slots are available.
	JoinChance float64

	// JoinMaxAttempts bounds the recursive join-through-a-peer fallback.
	JoinMaxAttempts int

	// DefaultTTL is the hop budget stamped on a locally-issued search.
	DefaultTTL uint8

	// LogEntryTTL is how long a search-log entry suppresses duplicate
	// forwards before it is evicted.
	LogEntryTTL time.Duration

	// AcceptTimeout bounds AcceptDeadline's pre-poll.
	AcceptTimeout time.Duration

	// AwaitTimeout bounds PollReadable on awaiting/neighbour sockets.
	AwaitTimeout time.Duration

	// LoopMinDuration is the floor on a tick's wall-clock length, bounding
	// the loop's idle CPU burn.
	LoopMinDuration time.Duration

	// DialAttempts/DialRetryDelay parameterise ConnectWithRetry.
	DialAttempts   int
	DialRetryDelay time.Duration

	// DialTimeout bounds a single outbound dial attempt.
	DialTimeout time.Duration

	// ListenBacklog is passed to CreateListening.
	ListenBacklog int

	// NeighbourDebugDumpInterval paces the servent loop's periodic
	// neighbour-set debug dump.
	NeighbourDebugDumpInterval time.Duration

	// ShareDir is the directory shareable files are read from/written to.
	ShareDir string
}

// Default returns the nominal values every servent starts from.
func Default() Config {
	return Config{
		MaxNeighbours:              5,
		MinNeighbours:              2,
		JoinChance:                 0.5,
		JoinMaxAttempts:            3,
		DefaultTTL:                 10,
		LogEntryTTL:                30 * time.Second,
		AcceptTimeout:              100 * time.Millisecond,
		AwaitTimeout:               10 * time.Millisecond,
		LoopMinDuration:            50 * time.Millisecond,
		DialAttempts:               3,
		DialRetryDelay:             1 * time.Second,
		DialTimeout:                5 * time.Second,
		ListenBacklog:              16,
		NeighbourDebugDumpInterval: 10 * time.Second,
		ShareDir:                   "share",
	}
}

var global atomic.Value

// Init seeds the global config with its default values. Call once at
// startup before any component reaches for Load.
func Init() {
	c := Default()
	global.Store(&c)
}

// Load returns the current config. The returned value must be treated as
// read-only; callers that need to change it go through Update.
func Load() *Config {
	c, _ := global.Load().(*Config)
	if c == nil {
		c = &Config{}
		*c = Default()
	}
	return c
}

// Update applies mut to a copy of the current config and installs the
// result as the new global value, returning it.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	global.Store(&next)
	return &next
}

// Swap installs c as the global config outright, discarding whatever was
// there before.
func Swap(c Config) {
	global.Store(&c)
}
