package store

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"imetrackd/internal/tracker"
)

// BatchWriter is the part of Store the Sink needs.
type BatchWriter interface {
	InsertRequests(rs []*Request) error
}

// Sink queues completed entries and writes them on a background goroutine,
// so a tracker.Recorder never waits on disk.
type Sink struct {
	w       BatchWriter
	log     *slog.Logger
	queue   chan *Request
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// maxBatch bounds how many rows go into one transaction.
const maxBatch = 64

// NewSink starts a sink with a queue of size entries.
func NewSink(w BatchWriter, logger *slog.Logger, size int) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	s := &Sink{
		w:     w,
		log:   logger.With("component", "store"),
		queue: make(chan *Request, size),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// Record queues e. A full queue drops the record with a warning.
func (s *Sink) Record(e tracker.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- RecordFromEntry(e):
	default:
		s.dropped.Add(1)
		s.log.Warn("request sink full, dropping record", "tag", e.Tag, "status", e.Status)
	}
}

// Recorder adapts Record to tracker.Recorder.
func (s *Sink) Recorder() tracker.Recorder { return s.Record }

func (s *Sink) loop() {
	defer close(s.done)

	batch := make([]*Request, 0, maxBatch)
	for r := range s.queue {
		batch = append(batch[:0], r)
	fill:
		for len(batch) < maxBatch {
			select {
			case more, ok := <-s.queue:
				if !ok {
					break fill
				}
				batch = append(batch, more)
			default:
				break fill
			}
		}
		if err := s.w.InsertRequests(batch); err != nil {
			s.log.Error("write requests", "count", len(batch), "error", err)
			continue
		}
		s.written.Add(uint64(len(batch)))
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Written returns how many records reached the database.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Close stops accepting records and waits for queued ones to be written.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return nil
}
