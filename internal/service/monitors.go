package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/domain"
)

// MultiMonitor fans samples out to several monitoring services. Every service
// receives every sample; errors are joined.
type MultiMonitor struct {
	services []domain.MonitoringService
}

// NewMultiMonitor creates a fan-out over services.
func NewMultiMonitor(services ...domain.MonitoringService) *MultiMonitor {
	return &MultiMonitor{services: services}
}

// Add appends a service.
func (m *MultiMonitor) Add(service domain.MonitoringService) {
	m.services = append(m.services, service)
}

// Len returns the number of services.
func (m *MultiMonitor) Len() int {
	return len(m.services)
}

// Send forwards sample to every service.
func (m *MultiMonitor) Send(ctx context.Context, sample *domain.Sample) error {
	var errs []error
	for _, s := range m.services {
		if err := s.Send(ctx, sample); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connect connects every service.
func (m *MultiMonitor) Connect() error {
	var errs []error
	for _, s := range m.services {
		if err := s.Connect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every service.
func (m *MultiMonitor) Close() error {
	var errs []error
	for _, s := range m.services {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiRecorder fans daily energy totals out to several recorders.
type MultiRecorder []domain.DayRecorder

// RecordDay forwards day to every recorder.
func (m MultiRecorder) RecordDay(ctx context.Context, day domain.DailyEnergy) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordDay(ctx, day); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendTimeout bounds a single forwarded Send in the queue worker.
const sendTimeout = 30 * time.Second

// QueuedMonitor hands samples to a worker goroutine so slow monitoring
// services never hold up the polling loop. Samples are dropped while the
// queue is full.
type QueuedMonitor struct {
	next    domain.MonitoringService
	samples chan *domain.Sample
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Uint64
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewQueuedMonitor starts a worker that forwards samples to next. size is the
// queue capacity.
func NewQueuedMonitor(next domain.MonitoringService, size int) *QueuedMonitor {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &QueuedMonitor{
		next:    next,
		samples: make(chan *domain.Sample, size),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  log.With().Str("component", "monitor_queue").Logger(),
	}
	go q.run(ctx)
	return q
}

func (q *QueuedMonitor) run(ctx context.Context) {
	defer close(q.done)
	for sample := range q.samples {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := q.next.Send(sendCtx, sample); err != nil {
			q.logger.Error().Err(err).Msg("Failed to send to monitoring service")
		}
		cancel()
	}
}

// Send enqueues sample without blocking.
func (q *QueuedMonitor) Send(_ context.Context, sample *domain.Sample) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("monitor queue stopped")
	}

	select {
	case q.samples <- sample:
	default:
		n := q.dropped.Add(1)
		q.logger.Warn().
			Uint64("dropped", n).
			Msg("Monitor queue full, dropping sample")
	}
	return nil
}

// Dropped returns how many samples were discarded because the queue was full.
func (q *QueuedMonitor) Dropped() uint64 {
	return q.dropped.Load()
}

// Connect connects the wrapped service.
func (q *QueuedMonitor) Connect() error {
	return q.next.Connect()
}

// Stop drains the queue and waits for the worker, giving up on pending
// samples once ctx is done. The wrapped service stays open.
func (q *QueuedMonitor) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.samples)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-ctx.Done():
		q.cancel()
		<-q.done
	}
	q.cancel()
}

// Close stops the worker and closes the wrapped service.
func (q *QueuedMonitor) Close() error {
	q.Stop(context.Background())
	return q.next.Close()
}
