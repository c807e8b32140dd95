// Package sink delivers progress snapshots and log records to caller
// callbacks without ever blocking the sync. Events pass through a buffered
// channel serviced by one goroutine; when the consumer cannot keep up,
// events are dropped rather than stalling the producer.
package sink

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/metrics"
)

// Level is a log record severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ProgressFunc receives a metrics snapshot, at least once per batch.
type ProgressFunc func(metrics.Snapshot)

// LogFunc receives one structured log record.
type LogFunc func(level Level, message string, metadata map[string]string)

const bufferSize = 128

type eventKind int

const (
	eventProgress eventKind = iota
	eventLog
)

type event struct {
	kind     eventKind
	snapshot metrics.Snapshot
	level    Level
	message  string
	metadata map[string]string
}

// Sink fans events out to the configured callbacks. Producers never block:
// Progress and Log enqueue or drop.
type Sink struct {
	onProgress ProgressFunc
	onLog      LogFunc
	logger     zerolog.Logger

	events  chan event
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a sink. A nil onLog bridges log records into the given zerolog
// logger; a nil onProgress discards snapshots.
func New(onProgress ProgressFunc, onLog LogFunc, logger zerolog.Logger) *Sink {
	s := &Sink{
		onProgress: onProgress,
		onLog:      onLog,
		logger:     logger.With().Str("component", "sink").Logger(),
		events:     make(chan event, bufferSize),
		done:       make(chan struct{}),
	}
	if s.onLog == nil {
		s.onLog = s.logBridge
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.events {
		switch ev.kind {
		case eventProgress:
			if s.onProgress != nil {
				s.onProgress(ev.snapshot)
			}
		case eventLog:
			s.onLog(ev.level, ev.message, ev.metadata)
		}
	}
}

func (s *Sink) enqueue(ev event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Progress pushes a snapshot. Never blocks.
func (s *Sink) Progress(snap metrics.Snapshot) {
	s.enqueue(event{kind: eventProgress, snapshot: snap})
}

// Log pushes a log record. Never blocks.
func (s *Sink) Log(level Level, message string, metadata map[string]string) {
	s.enqueue(event{kind: eventLog, level: level, message: message, metadata: metadata})
}

// Dropped reports how many events were discarded because the consumer fell
// behind.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains buffered events and stops the delivery goroutine. Safe to
// call more than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
	<-s.done
	if n := s.dropped.Load(); n > 0 {
		s.logger.Warn().Int64("dropped", n).Msg("sink dropped events")
	}
}

func (s *Sink) logBridge(level Level, message string, metadata map[string]string) {
	var ev *zerolog.Event
	switch level {
	case LevelError:
		ev = s.logger.Error()
	case LevelWarn:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}
	for k, v := range metadata {
		ev = ev.Str(k, v)
	}
	ev.Msg(message)
}
