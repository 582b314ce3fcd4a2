// Package scheduler decides which command the polling loop issues next.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/protocol"
)

// Counter values of the polling cycle.
const (
	CounterStart    = -1 // Next tick issues the mode query
	CounterRating   = 0  // Next tick issues the rating query
	CounterOverride = 99 // Set after an override so the cycle restarts at CounterRating
	CycleLength     = 60
)

// CommandSource identifies where an override command came from.
type CommandSource string

const (
	SourceMQTT CommandSource = "mqtt"
	SourceAPI  CommandSource = "api"
)

// Command is a raw command supplied from outside the polling loop.
type Command struct {
	ID       string
	Text     string
	Source   CommandSource
	QueuedAt time.Time
}

// Selection is the command chosen for one tick.
type Selection struct {
	Command  string
	Override *Command // Nil for the fixed queries
	Counter  int      // Counter value the selection was made at
}

// IsOverride reports whether the selection came from the override slot.
func (s Selection) IsOverride() bool {
	return s.Override != nil
}

// Scheduler holds the cycle counter and the single pending override slot.
// Next and Advance are called from the polling loop only. Inject may be called
// from any goroutine.
type Scheduler struct {
	counter  atomic.Int64
	slot     chan *Command
	injectMu sync.Mutex
	injected atomic.Uint64
	replaced atomic.Uint64
	logger   zerolog.Logger
}

// New creates a scheduler whose first tick issues the mode query.
func New() *Scheduler {
	s := &Scheduler{
		slot:   make(chan *Command, 1),
		logger: log.With().Str("component", "scheduler").Logger(),
	}
	s.counter.Store(CounterStart)
	return s
}

// Inject places cmd in the override slot. A command still waiting in the slot
// is replaced and returned.
func (s *Scheduler) Inject(cmd *Command) *Command {
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now()
	}

	s.injectMu.Lock()
	defer s.injectMu.Unlock()

	var displaced *Command
	select {
	case displaced = <-s.slot:
		s.replaced.Add(1)
		s.logger.Warn().
			Str("replaced", displaced.Text).
			Str("command", cmd.Text).
			Msg("Pending override command replaced")
	default:
	}

	// Only injectors fill the slot and they hold injectMu, so this never blocks.
	s.slot <- cmd
	s.injected.Add(1)

	s.logger.Debug().
		Str("command", cmd.Text).
		Str("source", string(cmd.Source)).
		Msg("Override command queued")

	return displaced
}

// Pending returns the number of commands waiting in the override slot.
func (s *Scheduler) Pending() int {
	return len(s.slot)
}

// Next selects the command for the current tick. A pending override wins and
// moves the counter to CounterOverride.
func (s *Scheduler) Next() Selection {
	select {
	case cmd := <-s.slot:
		s.counter.Store(CounterOverride)
		return Selection{Command: cmd.Text, Override: cmd, Counter: CounterOverride}
	default:
	}

	c := int(s.counter.Load())
	switch c {
	case CounterStart:
		return Selection{Command: protocol.CommandMode, Counter: c}
	case CounterRating:
		return Selection{Command: protocol.CommandRating, Counter: c}
	default:
		return Selection{Command: protocol.CommandStatus, Counter: c}
	}
}

// Advance moves the counter past the current tick. It is called whether or not
// the tick succeeded.
func (s *Scheduler) Advance() {
	c := s.counter.Load() + 1
	if c >= CycleLength {
		c = 0
	}
	s.counter.Store(c)
}

// Counter returns the current cycle counter.
func (s *Scheduler) Counter() int {
	return int(s.counter.Load())
}

// Stats returns the number of injected and replaced override commands.
func (s *Scheduler) Stats() (injected, replaced uint64) {
	return s.injected.Load(), s.replaced.Load()
}
