// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-fiberloop/internal/logevt"
)

// DefaultStackSize is the default stack size for new task fibers, 1 MiB,
// matching fiber.stack_size's documented default.
const DefaultStackSize = 1 << 20

// DefaultIdlePollCap bounds how long a reactor's Idle loop blocks in the
// platform poller before re-checking for stop/new timers.
const DefaultIdlePollCap = 3 * time.Second

// AnyThread is the thread-hint value meaning "any worker may run this".
const AnyThread = -1

// Config is the explicit configuration value threaded into Scheduler and
// IOManager constructors, replacing the original framework's process-wide
// YAML config registry (log levels, stack size, timeouts) with a value whose
// lifetime is scoped to the scheduler that owns it.
type Config struct {
	// Name identifies the scheduler in logs and diagnostics.
	Name string

	// Workers is the total number of workers. If UseCaller is true, the
	// constructing goroutine is donated as worker 0 and counts toward
	// Workers, so Start spawns only Workers-1 goroutines.
	Workers int

	// UseCaller donates the constructing goroutine as worker 0. Stop must
	// then be called from that same goroutine.
	UseCaller bool

	// StackSize is the advisory stack size for new task fibers. Since this
	// module backs Fiber with a parked goroutine rather than a manually
	// managed stack (see Fiber's doc comment), StackSize has no effect on
	// memory allocation; it is preserved purely so the fiber.stack_size
	// configuration surface survives a reimplementation, per the original
	// design notes.
	StackSize int

	// IdlePollCap bounds how long IOManager.Idle blocks in epoll_wait (or
	// the platform equivalent) per iteration.
	IdlePollCap time.Duration

	// Logger receives structured log output. If nil, the package-wide
	// default (configurable via SetLogger) is used.
	Logger *logiface.Logger[*logevt.Event]

	// Metrics, if non-nil, receives runtime instrumentation (queue depth,
	// fiber resume latency, reactor batch size). Optional; a nil Metrics
	// disables collection entirely at negligible cost.
	Metrics *Metrics
}

// Option configures a Config value via With* functions.
type Option func(*Config)

// WithName sets the scheduler's diagnostic name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithWorkers sets the worker count.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithUseCaller donates the constructing goroutine as worker 0.
func WithUseCaller(useCaller bool) Option {
	return func(c *Config) { c.UseCaller = useCaller }
}

// WithStackSize sets the advisory fiber stack size.
func WithStackSize(bytes int) Option {
	return func(c *Config) { c.StackSize = bytes }
}

// WithIdlePollCap bounds the reactor's per-iteration poll wait.
func WithIdlePollCap(d time.Duration) Option {
	return func(c *Config) { c.IdlePollCap = d }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logiface.Logger[*logevt.Event]) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics attaches a runtime metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// resolveConfig applies opts over sane defaults.
func resolveConfig(opts []Option) Config {
	cfg := Config{
		Workers:     1,
		StackSize:   DefaultStackSize,
		IdlePollCap: DefaultIdlePollCap,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	return cfg
}

// NewSchedulerOptions builds a Scheduler from functional options instead of
// a literal Config, for callers who only want to override a couple of
// fields against sane defaults (one worker, the default stack size and
// idle-poll cap).
func NewSchedulerOptions(opts ...Option) *Scheduler {
	return NewScheduler(resolveConfig(opts))
}

// NewIOManagerOptions builds an IOManager from functional options instead
// of a literal Config, same defaults as NewSchedulerOptions.
func NewIOManagerOptions(opts ...Option) (*IOManager, error) {
	return NewIOManager(resolveConfig(opts))
}
