// Package api provides HTTP API functionality for the axpert daemon.
package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hpema/axpert/internal/scheduler"
)

// Command states reported by the tracker.
const (
	StatusQueued     = "queued"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSuperseded = "superseded"
)

const (
	defaultMaxTracked = 256
	maxCommandLength  = 32
)

// ErrInvalidCommand is returned for command text the inverter cannot be sent.
var ErrInvalidCommand = errors.New("invalid command")

// CommandQueue accepts override commands for the polling loop.
type CommandQueue interface {
	Inject(cmd *scheduler.Command) *scheduler.Command
}

// TrackedCommand is the state of one override command.
type TrackedCommand struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	Reply       string     `json:"reply,omitempty"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    time.Time  `json:"queuedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// CommandTracker queues override commands and records their replies. It
// satisfies the daemon's reply recorder.
type CommandTracker struct {
	queue      CommandQueue
	commands   map[string]*TrackedCommand
	maxTracked int
	now        func() time.Time
	mutex      sync.RWMutex
	logger     zerolog.Logger
}

// NewCommandTracker creates a tracker that submits commands to queue.
func NewCommandTracker(queue CommandQueue, logger zerolog.Logger) *CommandTracker {
	return &CommandTracker{
		queue:      queue,
		commands:   make(map[string]*TrackedCommand),
		maxTracked: defaultMaxTracked,
		now:        time.Now,
		logger:     logger.With().Str("component", "command_tracker").Logger(),
	}
}

// ValidateCommand checks that text can be framed and sent to the inverter.
func ValidateCommand(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCommand)
	}
	if len(text) > maxCommandLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidCommand, maxCommandLength)
	}
	for i := 0; i < len(text); i++ {
		if text[i] < 0x21 || text[i] > 0x7e {
			return fmt.Errorf("%w: non printable byte 0x%02x at %d", ErrInvalidCommand, text[i], i)
		}
	}
	return nil
}

// Submit validates and queues a command. A command still waiting in the
// override slot is marked superseded.
func (ct *CommandTracker) Submit(text string, source scheduler.CommandSource) (*TrackedCommand, error) {
	text = strings.TrimSpace(text)
	if err := ValidateCommand(text); err != nil {
		return nil, err
	}

	cmd := &scheduler.Command{
		ID:       uuid.NewString(),
		Text:     text,
		Source:   source,
		QueuedAt: ct.now(),
	}

	tracked := &TrackedCommand{
		ID:       cmd.ID,
		Command:  cmd.Text,
		Source:   string(cmd.Source),
		Status:   StatusQueued,
		QueuedAt: cmd.QueuedAt,
	}

	ct.mutex.Lock()
	ct.commands[cmd.ID] = tracked
	ct.pruneLocked()
	ct.mutex.Unlock()

	if displaced := ct.queue.Inject(cmd); displaced != nil {
		ct.markSuperseded(displaced.ID)
	}

	ct.logger.Info().
		Str("id", cmd.ID).
		Str("command", cmd.Text).
		Str("source", string(source)).
		Msg("Command queued")

	out := *tracked
	return &out, nil
}

// Complete records the outcome of a command executed by the polling loop.
func (ct *CommandTracker) Complete(id, reply string, err error) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	tracked, exists := ct.commands[id]
	if !exists {
		ct.logger.Debug().Str("id", id).Msg("Reply for unknown command")
		return
	}

	completedAt := ct.now()
	tracked.CompletedAt = &completedAt
	tracked.Reply = reply
	if err != nil {
		tracked.Status = StatusFailed
		tracked.Error = err.Error()
	} else {
		tracked.Status = StatusCompleted
	}

	ct.logger.Debug().
		Str("id", id).
		Str("status", tracked.Status).
		Str("reply", reply).
		Msg("Command completed")
}

// Get returns a copy of a tracked command.
func (ct *CommandTracker) Get(id string) (TrackedCommand, bool) {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	tracked, exists := ct.commands[id]
	if !exists {
		return TrackedCommand{}, false
	}
	return *tracked, true
}

// Count returns the number of tracked commands.
func (ct *CommandTracker) Count() int {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()
	return len(ct.commands)
}

func (ct *CommandTracker) markSuperseded(id string) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	if tracked, exists := ct.commands[id]; exists && tracked.Status == StatusQueued {
		tracked.Status = StatusSuperseded
	}
}

// pruneLocked drops the oldest finished commands once the tracker is full.
func (ct *CommandTracker) pruneLocked() {
	excess := len(ct.commands) - ct.maxTracked
	if excess <= 0 {
		return
	}

	finished := make([]*TrackedCommand, 0, len(ct.commands))
	for _, tracked := range ct.commands {
		if tracked.Status != StatusQueued {
			finished = append(finished, tracked)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].QueuedAt.Before(finished[j].QueuedAt)
	})

	for i := 0; i < excess && i < len(finished); i++ {
		delete(ct.commands, finished[i].ID)
	}
}
