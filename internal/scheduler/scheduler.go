// Package scheduler provides a timer-driven scheduler that periodically
// invokes an action on registered entities, with strict once-at-a-time
// callback semantics per entity and race-free period changes. The
// destination health prober is its production consumer.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	log "github.com/sirupsen/logrus"
)

// Mode selects what happens after an entity's action runs.
type Mode int

const (
	// Infinite rearms the timer after each successful action until the
	// entity is unscheduled or the scheduler closes.
	Infinite Mode = iota
	// RunOnce removes the entity before its first action runs; the
	// action observing IsScheduled == false is expected.
	RunOnce
)

// lifecycle states
const (
	stateNotStarted int32 = iota
	stateStarted
	stateDisposed
)

// Scheduler invokes action on each scheduled entity at that entity's
// period. For any entity, at most one timer is armed and at most one
// action invocation is in flight at any instant. Action failures are
// logged and evict only the failing entity.
type Scheduler[T comparable] struct {
	action func(T) error
	mode   Mode

	state atomic.Int32

	mu      sync.Mutex
	entries map[T]*entry[T]
}

// New builds a scheduler over action in the given mode. The action runs
// on timer goroutines and may overlap across entities, never within one.
func New[T comparable](action func(T) error, mode Mode) *Scheduler[T] {
	return &Scheduler[T]{
		action:  action,
		mode:    mode,
		entries: make(map[T]*entry[T]),
	}
}

// entry is the per-entity scheduling state. It reaches its scheduler
// through a weak pointer only: a timer callback in flight when every
// external owner dropped the scheduler observes nil and aborts instead
// of pinning the scheduler alive.
type entry[T comparable] struct {
	key   T
	sched weak.Pointer[Scheduler[T]]

	mu       sync.Mutex
	period   time.Duration
	timer    *time.Timer
	version  uint64
	running  bool
	disposed bool
}

// Schedule registers entity with the given initial period. When the
// scheduler is already started the timer is armed immediately; before
// Start arming is deferred. A duplicate Schedule is rejected silently
// and the existing entry keeps its period.
func (s *Scheduler[T]) Schedule(entity T, period time.Duration) {
	if s.state.Load() == stateDisposed {
		return
	}
	e := &entry[T]{
		key:    entity,
		sched:  weak.Make(s),
		period: period,
	}

	s.mu.Lock()
	if _, exists := s.entries[entity]; exists {
		s.mu.Unlock()
		return
	}
	s.entries[entity] = e
	s.mu.Unlock()

	if s.state.Load() == stateStarted {
		e.mu.Lock()
		if !e.disposed && e.timer == nil {
			e.armLocked()
		}
		e.mu.Unlock()
	}
}

// ChangePeriod updates entity's period. An armed timer is rearmed with
// the new period; when no timer is armed (scheduler not started, or the
// callback is executing) the new period takes effect at the next arming.
// Not meaningful in RunOnce mode.
func (s *Scheduler[T]) ChangePeriod(entity T, period time.Duration) {
	if s.mode == RunOnce {
		panic(fmt.Sprintf("scheduler: ChangePeriod(%v) called on a run-once scheduler", entity))
	}
	s.mu.Lock()
	e, ok := s.entries[entity]
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.period = period
	if e.timer != nil && !e.disposed {
		e.timer.Stop()
		e.armLocked()
	}
	e.mu.Unlock()
}

// Unschedule removes entity and disposes its entry. A callback already
// executing runs to completion, but no further timer arms.
func (s *Scheduler[T]) Unschedule(entity T) {
	s.mu.Lock()
	e, ok := s.entries[entity]
	if ok {
		delete(s.entries, entity)
	}
	s.mu.Unlock()
	if ok {
		e.dispose()
	}
}

// IsScheduled reports whether entity is currently registered.
func (s *Scheduler[T]) IsScheduled(entity T) bool {
	s.mu.Lock()
	_, ok := s.entries[entity]
	s.mu.Unlock()
	return ok
}

// Start arms the timer of every entity scheduled so far. Exactly one
// caller wins the NotStarted to Started transition; later calls are
// no-ops.
func (s *Scheduler[T]) Start() {
	if !s.state.CompareAndSwap(stateNotStarted, stateStarted) {
		return
	}
	s.mu.Lock()
	pending := make([]*entry[T], 0, len(s.entries))
	for _, e := range s.entries {
		pending = append(pending, e)
	}
	s.mu.Unlock()

	for _, e := range pending {
		e.mu.Lock()
		if !e.disposed && e.timer == nil {
			e.armLocked()
		}
		e.mu.Unlock()
	}
}

// Close disposes every entry and rejects further use.
func (s *Scheduler[T]) Close() {
	s.state.Store(stateDisposed)
	s.mu.Lock()
	entries := make([]*entry[T], 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.entries = make(map[T]*entry[T])
	s.mu.Unlock()

	for _, e := range entries {
		e.dispose()
	}
}

// armLocked arms a fresh one-shot timer. Called with e.mu held. Every
// arming creates a new timer object carrying the bumped version; a
// pending fire from an older timer sees a version mismatch and exits
// without touching anything, which is what makes period changes
// race-free.
func (e *entry[T]) armLocked() {
	e.version++
	version := e.version
	period := e.period
	// The closure captures only the entry and the version; the
	// scheduler stays weakly referenced and no request-scoped state
	// leaks into the timer.
	e.timer = time.AfterFunc(period, func() {
		e.fire(version)
	})
}

// fire is the timer callback.
func (e *entry[T]) fire(version uint64) {
	s := e.sched.Value()
	if s == nil {
		// Scheduler was dropped; nothing to do and nothing to keep
		// alive.
		return
	}
	if s.state.Load() == stateDisposed {
		return
	}

	e.mu.Lock()
	if e.disposed || version != e.version {
		// Stale fire from a timer replaced by ChangePeriod or a
		// concurrent rearm.
		e.mu.Unlock()
		return
	}
	e.running = true
	e.timer = nil
	e.mu.Unlock()

	if s.mode == RunOnce {
		// Removed before the action is invoked; the action seeing
		// IsScheduled == false is part of the contract.
		s.Unschedule(e.key)
	}

	err := s.action(e.key)

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	if err != nil {
		// Partial-failure policy: evict only this entity, surface the
		// failure through the logger, never propagate.
		log.WithField("error", err).Errorf("scheduler: action failed, unscheduling entity %v", e.key)
		s.Unschedule(e.key)
		return
	}

	if s.mode == Infinite {
		// The entity may have been unscheduled while the action ran.
		if !s.IsScheduled(e.key) {
			return
		}
		e.mu.Lock()
		if !e.disposed {
			e.armLocked()
		}
		e.mu.Unlock()
	}
}

// dispose stops the timer and blocks further arming. The running flag is
// left untouched; an in-flight callback finishes on its own.
func (e *entry[T]) dispose() {
	e.mu.Lock()
	e.disposed = true
	e.version++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
}
