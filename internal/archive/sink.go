package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/metrics"
)

// HealthReporter receives the archive's health. *brain.Brain satisfies it.
type HealthReporter interface {
	ReportHealth(subsystem string, err error)
}

// Subsystem is the health key used for archive failures.
const Subsystem = "archive"

type item struct {
	event *intel.SecurityEvent
	comm  *intel.CommunicationRecord
}

// Sink writes events and communications to a Store off the caller's path.
// When its queue is full, records are dropped and counted as failures.
type Sink struct {
	store   *Store
	queue   chan item
	health  HealthReporter
	metrics *metrics.Metrics
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewSink creates a sink with a queue of the given size.
func NewSink(store *Store, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Sink{
		store:   store,
		queue:   make(chan item, queueSize),
		metrics: m,
		logger:  logger.With("component", "archive.Sink"),
	}
}

// SetHealthReporter sets where write failures are reported. Call before Run.
func (s *Sink) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// RecordEvent queues an event for archiving.
func (s *Sink) RecordEvent(ev intel.SecurityEvent) {
	s.enqueue(item{event: &ev})
}

// RecordCommunication queues a communication record for archiving.
func (s *Sink) RecordCommunication(c intel.CommunicationRecord) {
	s.enqueue(item{comm: &c})
}

func (s *Sink) enqueue(it item) {
	select {
	case s.queue <- it:
	default:
		n := s.dropped.Add(1)
		s.metrics.ArchiveFailed()
		if n == 1 || n%100 == 0 {
			s.logger.Warn("archive queue full, dropping record", "dropped_total", n)
		}
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Run writes queued records until ctx is cancelled, then flushes what is
// left in the queue.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case it := <-s.queue:
					s.write(it)
				default:
					return
				}
			}
		case it := <-s.queue:
			s.write(it)
		}
	}
}

// RunRetention prunes rows older than retention once per interval.
func (s *Sink) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PruneOlderThan(time.Now().Add(-retention))
			if err != nil {
				s.logger.Error("archive prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("archive pruned", "rows", n)
			}
		}
	}
}

func (s *Sink) write(it item) {
	var err error
	switch {
	case it.event != nil:
		err = s.store.InsertEvent(*it.event)
	case it.comm != nil:
		err = s.store.InsertCommunication(*it.comm)
	}
	if err != nil {
		s.metrics.ArchiveFailed()
		s.logger.Error("archive write failed", "error", err)
	}
	if s.health != nil {
		s.health.ReportHealth(Subsystem, err)
	}
}
