// Package service provides the polling daemon that drives the inverter.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/config"
	"github.com/hpema/axpert/internal/domain"
	"github.com/hpema/axpert/internal/ledger"
	"github.com/hpema/axpert/internal/protocol"
	"github.com/hpema/axpert/internal/scheduler"
)

// Topic suffixes below the configured base topic.
const (
	TopicStatus       = "status"
	TopicCommand      = "comm"
	TopicMode         = "mode"
	TopicRating       = "piri"
	TopicGeneral      = "pigs"
	TopicPVEnergy     = "power/pvw"
	TopicOutputEnergy = "power/outw"
)

// Port is the byte transport the daemon talks to the inverter through.
type Port interface {
	Flush(timeout time.Duration, attempts int)
	Write(frame []byte) error
	Read(timeout time.Duration, attempts int) ([]byte, error)
}

// ReplyRecorder receives the outcome of override commands that carry an ID.
type ReplyRecorder interface {
	Complete(id, reply string, err error)
}

// Dependencies are the collaborators of a Daemon. Monitoring, Recorder and
// Replies are optional.
type Dependencies struct {
	Port       Port
	Scheduler  *scheduler.Scheduler
	Ledger     *ledger.Ledger
	Store      *ledger.Store
	Publisher  domain.MessagePublisher
	Monitoring domain.MonitoringService
	Recorder   domain.DayRecorder
	Replies    ReplyRecorder
}

// Daemon runs the polling loop. Exactly one tick touches the transport at a time.
type Daemon struct {
	config     *config.Config
	port       Port
	builder    *protocol.CommandBuilder
	parser     *protocol.ResponseParser
	scheduler  *scheduler.Scheduler
	ledger     *ledger.Ledger
	store      *ledger.Store
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	recorder   domain.DayRecorder
	replies    ReplyRecorder
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	ticks    atomic.Uint64
	failures atomic.Uint64

	mu          sync.RWMutex
	startTime   time.Time
	lastCommand string
	mode        *domain.ModeStatus
	rating      *domain.RatingInfo
	status      *domain.GeneralStatus
}

// NewDaemon creates a polling daemon.
func NewDaemon(cfg *config.Config, deps Dependencies) (*Daemon, error) {
	if deps.Port == nil {
		return nil, errors.New("daemon requires a port")
	}
	if deps.Scheduler == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, errors.New("daemon requires a scheduler, a ledger and a store")
	}
	if deps.Publisher == nil {
		return nil, errors.New("daemon requires a publisher")
	}

	return &Daemon{
		config:     cfg,
		port:       deps.Port,
		builder:    protocol.NewCommandBuilder(),
		parser:     protocol.NewResponseParser(cfg.Protocol.VerifyCRC),
		scheduler:  deps.Scheduler,
		ledger:     deps.Ledger,
		store:      deps.Store,
		publisher:  deps.Publisher,
		monitoring: deps.Monitoring,
		recorder:   deps.Recorder,
		replies:    deps.Replies,
		logger:     log.With().Str("component", "daemon").Logger(),
		now:        time.Now,
		sleep:      sleepContext,
		startTime:  time.Now(),
	}, nil
}

// Topic returns the full topic for a suffix below the base topic.
func (d *Daemon) Topic(suffix string) string {
	return strings.TrimSuffix(d.config.MQTT.Topic, "/") + "/" + suffix
}

// Run polls until ctx is cancelled, then saves the ledger one last time.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.config.PollInterval()

	d.mu.Lock()
	d.startTime = d.now()
	d.mu.Unlock()

	d.logger.Info().
		Dur("interval", interval).
		Msg("Polling started")

	for ctx.Err() == nil {
		d.checkRollover(ctx, d.now())

		if err := d.Tick(ctx); err != nil {
			d.failures.Add(1)
		}

		if err := d.sleep(ctx, interval); err != nil {
			break
		}
	}

	d.saveState()
	d.logger.Info().Msg("Polling stopped")
	return nil
}

// Tick issues one command and handles its reply. The scheduler advances
// whether or not the tick succeeds, and a panic inside the tick is returned as
// an error.
func (d *Daemon) Tick(ctx context.Context) (err error) {
	sel := d.scheduler.Next()
	defer d.scheduler.Advance()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			d.logger.Error().
				Str("command", sel.Command).
				Interface("panic", r).
				Msg("Recovered from panic in tick")
		}
	}()

	d.ticks.Add(1)
	d.mu.Lock()
	d.lastCommand = sel.Command
	d.mu.Unlock()

	reply, err := d.exchange(sel.Command)
	if err != nil {
		d.logger.Error().
			Err(err).
			Int("counter", sel.Counter).
			Str("command", sel.Command).
			Msg("Command failed")
		d.complete(sel, "", err)
		return err
	}

	now := d.now()
	resp, err := d.parser.Parse(sel.Command, reply, now)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Int("counter", sel.Counter).
			Str("command", sel.Command).
			Str("response", reply).
			Msg("Invalid response received from inverter")
		d.complete(sel, reply, err)
		return err
	}

	d.handle(ctx, sel, resp, now)
	d.complete(sel, reply, nil)
	return nil
}

// exchange flushes stale bytes, writes the frame and reads the reply.
func (d *Daemon) exchange(command string) (string, error) {
	timeout := d.config.ReadTimeout()
	frame := d.builder.Encode(command)

	d.port.Flush(timeout, d.config.Polling.FlushAttempts)

	if err := d.port.Write(frame); err != nil {
		return "", err
	}

	d.logger.Trace().
		Str("command", command).
		Str("frame", protocol.FormatFrameHex(frame)).
		Msg("Command sent")

	raw, err := d.port.Read(timeout, d.config.Polling.ReadAttempts)
	if err != nil {
		return "", err
	}

	return protocol.Extract(raw), nil
}

func (d *Daemon) handle(ctx context.Context, sel scheduler.Selection, resp *protocol.Response, now time.Time) {
	switch resp.Kind {
	case protocol.KindMode:
		d.mu.Lock()
		d.mode = resp.Mode
		d.mu.Unlock()

		d.logger.Debug().
			Int("counter", sel.Counter).
			Str("mode", resp.Mode.Mode.String()).
			Msg(sel.Command)
		d.publishText(ctx, TopicMode, resp.Mode.Mode.String())

	case protocol.KindRating:
		d.mu.Lock()
		d.rating = resp.Rating
		d.mu.Unlock()

		d.logger.Debug().
			Int("counter", sel.Counter).
			Str("output_source", resp.Rating.OutputSource.String()).
			Str("charge_source", resp.Rating.ChargeSource.String()).
			Msg(sel.Command)
		d.publish(ctx, TopicRating, resp.Rating)

	case protocol.KindStatus:
		d.handleStatus(ctx, sel, resp.Status, now)

	default:
		d.logger.Info().
			Int("counter", sel.Counter).
			Str("response", resp.Info).
			Msg(sel.Command)
	}
}

func (d *Daemon) handleStatus(ctx context.Context, sel scheduler.Selection, status *domain.GeneralStatus, now time.Time) {
	d.publish(ctx, TopicGeneral, status)

	d.ledger.Accumulate(now, status.PVPower, status.OutputPower)

	d.mu.Lock()
	d.status = status
	mode := domain.ModeUnknown
	if d.mode != nil {
		mode = d.mode.Mode
	}
	d.mu.Unlock()

	d.logger.Debug().
		Int("counter", sel.Counter).
		Int("pv_w", status.PVPower).
		Int("out_w", status.OutputPower).
		Int("battery_capacity", status.BatteryCapacity).
		Msg(sel.Command)

	if d.monitoring == nil {
		return
	}

	pvWh, outWh := d.ledger.Totals()
	sample := &domain.Sample{
		Status:         *status,
		Mode:           mode,
		PVEnergyToday:  pvWh,
		OutEnergyToday: outWh,
		Time:           now,
	}
	if err := d.monitoring.Send(ctx, sample); err != nil {
		d.logger.Error().Err(err).Msg("Failed to send to monitoring service")
	}
}

// checkRollover applies the day and minute boundaries of the ledger. A panic is
// logged and counted as a failure.
func (d *Daemon) checkRollover(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.failures.Add(1)
			d.logger.Error().
				Interface("panic", r).
				Msg("Recovered from panic in rollover")
		}
	}()

	if ended, rolled := d.ledger.RollDay(now); rolled {
		d.logger.Info().
			Int("day", now.Day()).
			Float64("pv_wh", ended.PVWh).
			Float64("out_wh", ended.OutWh).
			Msg("Day rolled over")

		if d.recorder != nil {
			if err := d.recorder.RecordDay(ctx, ended); err != nil {
				d.logger.Error().Err(err).Msg("Failed to record daily energy")
			}
		}
	}

	if !d.ledger.MinuteChanged(now) {
		return
	}

	pv, out := d.ledger.Aggregates()
	d.publish(ctx, TopicPVEnergy, pv)
	d.publish(ctx, TopicOutputEnergy, out)

	if now.Minute()%d.config.State.SaveEveryMinutes == 0 {
		d.saveState()
	}
}

func (d *Daemon) saveState() {
	if err := d.store.Save(d.ledger.State()); err != nil {
		d.logger.Error().
			Err(err).
			Str("path", d.store.Path()).
			Msg("Failed to save energy ledger")
	}
}

func (d *Daemon) publish(ctx context.Context, suffix string, data interface{}) {
	topic := d.Topic(suffix)
	if err := d.publisher.Publish(ctx, topic, data); err != nil {
		d.logger.Error().
			Str("topic", topic).
			Err(err).
			Msg("Failed to publish message")
	}
}

func (d *Daemon) publishText(ctx context.Context, suffix, text string) {
	topic := d.Topic(suffix)
	if err := d.publisher.PublishText(ctx, topic, text); err != nil {
		d.logger.Error().
			Str("topic", topic).
			Err(err).
			Msg("Failed to publish message")
	}
}

func (d *Daemon) complete(sel scheduler.Selection, reply string, err error) {
	if d.replies == nil || sel.Override == nil || sel.Override.ID == "" {
		return
	}
	d.replies.Complete(sel.Override.ID, reply, err)
}

// Snapshot returns the current daemon state.
func (d *Daemon) Snapshot() domain.Snapshot {
	pv, out := d.ledger.Aggregates()

	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := domain.Snapshot{
		StartTime:    d.startTime,
		Counter:      d.scheduler.Counter(),
		Ticks:        d.ticks.Load(),
		Failures:     d.failures.Load(),
		LastCommand:  d.lastCommand,
		Mode:         d.mode,
		Rating:       d.rating,
		Status:       d.status,
		PVEnergy:     pv,
		OutputEnergy: out,
		Day:          d.ledger.Day(),
	}
	if d.status != nil {
		snap.StatusTime = d.status.Time
	}
	return snap
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
