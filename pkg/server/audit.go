package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventLog receives one audit event per handled request. LogEvent must never
// block the caller or report failure.
type EventLog interface {
	LogEvent(connID uint64, event string)
	Close() error
}

// NopEventLog discards every event
type NopEventLog struct{}

func (NopEventLog) LogEvent(uint64, string) {}
func (NopEventLog) Close() error            { return nil }

type auditEvent struct {
	connID uint64
	event  string
	at     time.Time
}

// FileEventLog appends audit events as JSON lines. Events are queued on a
// buffered channel and written by one goroutine; when the queue is full the
// event is dropped.
type FileEventLog struct {
	out     io.WriteCloser
	log     zerolog.Logger
	events  chan auditEvent
	done    chan struct{}
	once    sync.Once
	dropped uint64 // guarded by mu
	mu      sync.Mutex
}

const auditQueueSize = 1024

// OpenFileEventLog opens (or creates) the audit log at path
func OpenFileEventLog(path string) (*FileEventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return NewFileEventLog(f), nil
}

// NewFileEventLog writes events to out and closes it on Close
func NewFileEventLog(out io.WriteCloser) *FileEventLog {
	l := &FileEventLog{
		out:    out,
		log:    zerolog.New(out),
		events: make(chan auditEvent, auditQueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *FileEventLog) run() {
	defer close(l.done)
	for ev := range l.events {
		l.log.Log().
			Time("time", ev.at).
			Uint64("conn", ev.connID).
			Str("event", ev.event).
			Send()
	}
}

// LogEvent queues an event without blocking
func (l *FileEventLog) LogEvent(connID uint64, event string) {
	defer func() {
		// Send on a closed channel after Close; the event is simply lost
		_ = recover()
	}()

	select {
	case l.events <- auditEvent{connID: connID, event: event, at: time.Now()}:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was full
func (l *FileEventLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close drains queued events and closes the file
func (l *FileEventLog) Close() error {
	var err error
	l.once.Do(func() {
		close(l.events)
		<-l.done
		err = l.out.Close()
	})
	return err
}
