package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types reported back to API callers
const (
	EventNotice  = "notice"
	EventWarning = "warning"
	EventError   = "error"
)

// Event is a single entry of a request log
type Event struct {
	Timestamp time.Time
	Type      string
	Message   string
}

// RequestLog collects the events of one request so they can be returned to
// the caller. Every event is also written to the wrapped zap logger.
// A nil *RequestLog is valid and only discards events.
type RequestLog struct {
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
	events []Event
}

// NewRequestLog creates a request log mirrored to logger
func NewRequestLog(logger *zap.Logger) *RequestLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestLog{logger: logger, now: time.Now}
}

// Logger returns the zap logger the request log writes to
func (l *RequestLog) Logger() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.logger
}

// Notice records an informational event
func (l *RequestLog) Notice(message string, fields ...zap.Field) {
	l.add(EventNotice, message)
	l.Logger().Info(message, fields...)
}

// Warning records a warning event
func (l *RequestLog) Warning(message string, fields ...zap.Field) {
	l.add(EventWarning, message)
	l.Logger().Warn(message, fields...)
}

// Error records an error event
func (l *RequestLog) Error(message string, fields ...zap.Field) {
	l.add(EventError, message)
	l.Logger().Error(message, fields...)
}

// Events returns a copy of the recorded events in order
func (l *RequestLog) Events() []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of recorded events
func (l *RequestLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *RequestLog) add(kind, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, Event{Timestamp: l.now(), Type: kind, Message: message})
	l.mu.Unlock()
}
